// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC so expiry math never depends on the host timezone.
//  2. Load .env via godotenv (non-fatal if absent).
//  3. Resolve *_SSM_PARAM pointer variables through the SecretProvider
//     unless APP_ENV is "local".
//  4. Populate Config with envconfig.
//  5. Attach BuildInfo from linker-injected variables.
//  6. Validate with go-playground/validator and normalize scheduler bounds.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

const (
	// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
	// SSM path whose value becomes DATABASE_URL.
	ssmParamSuffix = "_SSM_PARAM"

	// localEnv is the APP_ENV value that bypasses SSM resolution.
	localEnv = "local"

	ssmResolveTimeout = 30 * time.Second
)

// Reconciliation batch bounds. Values outside are clamped, not rejected.
const (
	MinBatchSize = 100
	MaxBatchSize = 10000
)

// loaderDeps holds the injectable environment accessors so tests do not
// mutate global state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration. provider may be nil for
// local development; it is required when SSM pointers are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Does not override variables already present in the environment.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize clamps scheduler batch sizes into [MinBatchSize, MaxBatchSize].
func (c *Config) normalize() {
	c.Scheduler.UsageBatchSize = ClampBatchSize(c.Scheduler.UsageBatchSize)
	c.Scheduler.ExpiryBatchSize = ClampBatchSize(c.Scheduler.ExpiryBatchSize)
}

// ClampBatchSize bounds n to the supported batch range.
func ClampBatchSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// RequireRedis returns a ConfigError when the Redis lease backend is selected
// without a REDIS_URL. Only the reconciler needs Redis, so the API does not
// call this.
func (c *Config) RequireRedis() error {
	if c.Scheduler.LeaseBackend == "redis" && c.Redis.URL.IsZero() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "REDIS_URL is required when LEASE_BACKEND=redis",
		}
	}
	return nil
}

// ResolveSecrets runs only the SSM step, for tools that read individual
// variables instead of the full Config.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// ssmBinding ties an SSM path to the env var its value is injected into.
type ssmBinding struct {
	target string
	path   string
}

// collectSSMBindings scans the environment for pointer variables whose target
// is not already set (Env beats SSM). The result is sorted by target for
// stable error messages.
func collectSSMBindings(deps loaderDeps) []ssmBinding {
	var bindings []ssmBinding
	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		bindings = append(bindings, ssmBinding{target: target, path: path})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].target < bindings[j].target })
	return bindings
}

// resolveSSMParams fetches every pending pointer in one batch call and
// injects the values into the environment for envconfig to pick up.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	bindings := collectSSMBindings(deps)
	if len(bindings) == 0 {
		return nil
	}

	targets := make([]string, 0, len(bindings))
	paths := make([]string, 0, len(bindings))
	for _, b := range bindings {
		targets = append(targets, b.target)
		paths = append(paths, b.path)
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, b := range bindings {
		value, ok := resolved[b.path]
		if !ok {
			missing = append(missing, b.target)
			continue
		}
		if err := deps.setEnv(b.target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", b.target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
