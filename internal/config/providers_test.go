package config

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

var (
	_ SecretProvider = (*SSMProvider)(nil)
	_ SecretProvider = (*EnvVarProvider)(nil)
)

type fakeSSM struct {
	params   map[string]string
	getCalls [][]string
	puts     map[string]string
	putErr   error
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.getCalls = append(f.getCalls, append([]string(nil), in.Names...))
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		if v, ok := f.params[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(v)})
		} else {
			out.InvalidParameters = append(out.InvalidParameters, name)
		}
	}
	return out, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[*in.Name] = *in.Value
	return &ssm.PutParameterOutput{}, nil
}

func TestSSMProviderBatchesByTen(t *testing.T) {
	fake := &fakeSSM{params: map[string]string{}}
	keys := make([]string, 0, 23)
	for i := 0; i < 23; i++ {
		k := "/dev/panelhub/k" + string(rune('a'+i))
		fake.params[k] = "v"
		keys = append(keys, k)
	}
	p := newSSMProviderWithClient("eu-central-1", fake)

	got, err := p.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch: %v", err)
	}
	if len(got) != 23 {
		t.Errorf("resolved %d, want 23", len(got))
	}
	if len(fake.getCalls) != 3 || len(fake.getCalls[2]) != 3 {
		t.Errorf("unexpected batching: %v", fake.getCalls)
	}
}

func TestSSMProviderInvalidParameterFails(t *testing.T) {
	p := newSSMProviderWithClient("eu-central-1", &fakeSSM{params: map[string]string{}})
	if _, err := p.GetParametersBatch(context.Background(), []string{"/missing"}); err == nil {
		t.Fatal("expected error for invalid parameter")
	}
}

func TestSSMProviderPutSecret(t *testing.T) {
	fake := &fakeSSM{}
	p := newSSMProviderWithClient("eu-central-1", fake)

	if err := p.PutSecret(context.Background(), "/dev/panelhub/gateway_key", "abc", false); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if fake.puts["/dev/panelhub/gateway_key"] != "abc" {
		t.Error("value not written")
	}

	fake.putErr = &ssmtypes.ParameterAlreadyExists{}
	if err := p.PutSecret(context.Background(), "/dev/panelhub/gateway_key", "abc", false); !errors.Is(err, ErrParameterExists) {
		t.Errorf("expected ErrParameterExists, got %v", err)
	}
	if err := p.PutSecret(context.Background(), "", "abc", false); err == nil {
		t.Error("empty path should be rejected")
	}
}

func TestEnvVarProviderResolvesPathsAndNames(t *testing.T) {
	t.Setenv("PANELHUB_DIRECT", "direct-value")
	t.Setenv("DEV_PANELHUB_GATEWAY_KEY", "mapped-value")

	got, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{
		"PANELHUB_DIRECT",
		"/dev/panelhub/gateway-key",
		"/dev/panelhub/absent",
	})
	if err != nil {
		t.Fatalf("GetParametersBatch: %v", err)
	}
	if got["PANELHUB_DIRECT"] != "direct-value" {
		t.Error("direct name not resolved")
	}
	if got["/dev/panelhub/gateway-key"] != "mapped-value" {
		t.Error("path not mapped to env name")
	}
	if _, ok := got["/dev/panelhub/absent"]; ok {
		t.Error("missing keys must be omitted")
	}
}
