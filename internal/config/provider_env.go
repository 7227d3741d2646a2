package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider resolves "secret paths" from the process environment. Used
// locally and in CI, where an SSM path like /dev/panelhub/gateway_key is
// mapped to the variable DEV_PANELHUB_GATEWAY_KEY, or read verbatim when the
// key is already a variable name.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks each key up in the environment. Keys that are not
// found are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
			continue
		}
		if val, ok := os.LookupEnv(pathToEnvName(key)); ok {
			result[key] = val
		}
	}
	return result, nil
}

// pathToEnvName converts an SSM-style path into an upper-case env var name.
func pathToEnvName(path string) string {
	trimmed := strings.Trim(path, "/")
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(trimmed))
}
