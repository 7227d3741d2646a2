package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSSMClient is an in-memory parameter store.
type mockSSMClient struct {
	mu       sync.Mutex
	params   map[string]ssm.PutParameterInput
	getErr   error
	putCalls []*ssm.PutParameterInput
}

func newMockSSM() *mockSSMClient {
	return &mockSSMClient{params: map[string]ssm.PutParameterInput{}}
}

func (m *mockSSMClient) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: p.Name, Value: p.Value, Type: p.Type}}, nil
}

func (m *mockSSMClient) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls = append(m.putCalls, in)
	name := aws.ToString(in.Name)
	if _, ok := m.params[name]; ok && !aws.ToBool(in.Overwrite) {
		return nil, &ssmtypes.ParameterAlreadyExists{}
	}
	m.params[name] = *in
	return &ssm.PutParameterOutput{Version: 1}, nil
}

func (m *mockSSMClient) value(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return aws.ToString(m.params[path].Value)
}

func newTestSSMManager(mock *mockSSMClient, env string, logs *bytes.Buffer) *SSMManager {
	return NewSSMManagerWithClient(mock, env, slog.New(slog.NewTextHandler(logs, nil)))
}

func TestSSMPath(t *testing.T) {
	m := newTestSSMManager(newMockSSM(), "staging", &bytes.Buffer{})
	assert.Equal(t, "/staging/panelhub/database/url", m.SSMPath("database/url"))
	assert.Equal(t, "/staging/panelhub/security/gateway_key", m.SSMPath("security/gateway_key"))
}

func TestParameterExists(t *testing.T) {
	mock := newMockSSM()
	m := newTestSSMManager(mock, "dev", &bytes.Buffer{})
	ctx := context.Background()

	ok, err := m.ParameterExists(ctx, "/dev/panelhub/redis/url")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.PutString(ctx, "/dev/panelhub/redis/url", "redis://x"))
	ok, err = m.ParameterExists(ctx, "/dev/panelhub/redis/url")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.getErr = errors.New("throttled")
	_, err = m.ParameterExists(ctx, "/dev/panelhub/redis/url")
	assert.ErrorContains(t, err, "throttled")
}

func TestPutSecret_NeverLogsValue(t *testing.T) {
	var logs bytes.Buffer
	mock := newMockSSM()
	m := newTestSSMManager(mock, "dev", &logs)

	require.NoError(t, m.PutSecret(context.Background(), "/dev/panelhub/security/gateway_key", "s3cr3t-value", false))

	assert.NotContains(t, logs.String(), "s3cr3t-value")
	assert.Contains(t, logs.String(), "value_length=12")
	require.Len(t, mock.putCalls, 1)
	assert.Equal(t, ssmtypes.ParameterTypeSecureString, mock.putCalls[0].Type)
}

func TestPutSecret_ExistingWithoutOverwrite(t *testing.T) {
	mock := newMockSSM()
	m := newTestSSMManager(mock, "dev", &bytes.Buffer{})
	ctx := context.Background()

	require.NoError(t, m.PutSecret(ctx, "/p", "a", false))
	err := m.PutSecret(ctx, "/p", "b", false)
	assert.ErrorContains(t, err, "already exists")
	require.NoError(t, m.PutSecret(ctx, "/p", "b", true))
	assert.Equal(t, "b", mock.value("/p"))
}

func TestPutParameter_RejectsEmpty(t *testing.T) {
	m := newTestSSMManager(newMockSSM(), "dev", &bytes.Buffer{})
	assert.Error(t, m.PutString(context.Background(), "", "v"))
	assert.Error(t, m.PutString(context.Background(), "/p", ""))
}
