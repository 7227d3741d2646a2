package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct{ err error }

func (f fakeConnector) Connect(context.Context, string) error { return f.err }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context, string) error { return f.err }

func newTestRunner(mock *mockSSMClient, stdin string) (*BootstrapRunner, *bytes.Buffer) {
	var out bytes.Buffer
	return &BootstrapRunner{
		SSM:       newTestSSMManager(mock, "dev", &bytes.Buffer{}),
		Validator: NewValidatorWithDeps(fakeConnector{}, fakePinger{}),
		Stdin:     strings.NewReader(stdin),
		Stderr:    &out,
	}, &out
}

func TestRun_FreshEnvironment(t *testing.T) {
	mock := newMockSSM()
	r, out := newTestRunner(mock, strings.Join([]string{
		"postgres://u:p@db.internal:5432/panelhub",
		"redis://cache.internal:6379/0",
		"https://sub.example.com",
	}, "\n")+"\n")

	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)

	actions := map[string]string{}
	for _, res := range results {
		actions[res.Env] = res.Action
	}
	assert.Equal(t, map[string]string{
		"DATABASE_URL":    "written",
		"REDIS_URL":       "written",
		"PUBLIC_BASE_URL": "written",
		"GATEWAY_KEY":     "generated",
	}, actions)

	assert.Equal(t, "postgres://u:p@db.internal:5432/panelhub", mock.value("/dev/panelhub/database/url"))
	assert.Len(t, mock.value("/dev/panelhub/security/gateway_key"), 64)
	assert.Contains(t, out.String(), "GATEWAY_KEY_SSM_PARAM=/dev/panelhub/security/gateway_key")
	assert.NotContains(t, out.String(), "u:p@db.internal", "secrets are never echoed")
}

func TestRun_OptionalRedisSkippedOnEmptyInput(t *testing.T) {
	mock := newMockSSM()
	r, out := newTestRunner(mock, "postgres://db:5432/x\n\nhttps://sub.example.com\n")

	results, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "skipped", results[1].Action)
	assert.Empty(t, mock.value("/dev/panelhub/redis/url"))
	assert.NotContains(t, out.String(), "REDIS_URL_SSM_PARAM")
}

func TestRun_ExistingParameterSkipOrOverwrite(t *testing.T) {
	mock := newMockSSM()
	r, _ := newTestRunner(mock, "")
	ctx := context.Background()
	require.NoError(t, r.SSM.PutSecret(ctx, "/dev/panelhub/database/url", "postgres://old:5432/x", false))
	require.NoError(t, r.SSM.PutSecret(ctx, "/dev/panelhub/security/gateway_key", "old-key", false))

	// skip the database URL, no redis, public URL, overwrite the gateway key
	r, out := newTestRunner(mock, "s\n\nhttps://sub.example.com\no\n")
	results, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "skipped", results[0].Action)
	assert.Equal(t, "overwritten", results[3].Action)
	assert.Equal(t, "postgres://old:5432/x", mock.value("/dev/panelhub/database/url"))
	assert.NotEqual(t, "old-key", mock.value("/dev/panelhub/security/gateway_key"))
	assert.Contains(t, out.String(), "DATABASE_URL_SSM_PARAM=/dev/panelhub/database/url")
}

func TestPromptAndValidate_RetriesThenFails(t *testing.T) {
	mock := newMockSSM()
	r, out := newTestRunner(mock, strings.Repeat("mysql://nope\n", maxRetries))
	step := BuildInventory(r.Validator)[0]

	_, err := r.promptAndValidate(context.Background(), step)
	assert.ErrorContains(t, err, "maximum retries")
	assert.Contains(t, out.String(), "expected postgres://")
}

func TestPromptAndValidate_EOF(t *testing.T) {
	r, _ := newTestRunner(newMockSSM(), "")
	_, err := r.promptAndValidate(context.Background(), BuildInventory(r.Validator)[2])
	assert.Error(t, err)
}

func TestValidators(t *testing.T) {
	ctx := context.Background()
	v := NewValidatorWithDeps(fakeConnector{}, fakePinger{})
	down := NewValidatorWithDeps(fakeConnector{err: errors.New("refused")}, fakePinger{err: errors.New("refused")})

	cases := []struct {
		name  string
		check func(context.Context, string) ValidationResult
		in    string
		valid bool
	}{
		{"postgres ok", v.ValidateDatabaseURL, "postgres://u@h:5432/d", true},
		{"postgresql ok", v.ValidateDatabaseURL, "postgresql://h/d", true},
		{"wrong scheme", v.ValidateDatabaseURL, "mysql://h/d", false},
		{"no host", v.ValidateDatabaseURL, "postgres:///d", false},
		{"db unreachable", down.ValidateDatabaseURL, "postgres://h/d", false},
		{"redis ok", v.ValidateRedisURL, "redis://h:6379", true},
		{"rediss ok", v.ValidateRedisURL, "rediss://h:6380", true},
		{"redis wrong scheme", v.ValidateRedisURL, "http://h", false},
		{"redis unreachable", down.ValidateRedisURL, "redis://h", false},
		{"origin ok", v.ValidatePublicURL, "https://sub.example.com/", true},
		{"origin with path", v.ValidatePublicURL, "https://sub.example.com/sub", false},
		{"origin bad scheme", v.ValidatePublicURL, "ftp://x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.check(ctx, tc.in).Valid)
		})
	}
}

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken()
	require.NoError(t, err)
	b, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
