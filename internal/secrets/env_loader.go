package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader reads each key from the environment. When KEY is unset but
// KEY_FILE names a file (the Docker and Kubernetes secrets convention), the
// trimmed file contents are used instead. Keys found in neither place are
// left out of the result.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
				continue
			}
			path := os.Getenv(k + "_FILE")
			if path == "" {
				continue
			}
			data, err := os.ReadFile(path) //nolint:gosec // operator-supplied secret path
			if err != nil {
				return nil, fmt.Errorf("read %s_FILE: %w", k, err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// StaticLoader yields key as the vault key.
func StaticLoader(key string) Loader {
	return func() (map[string]string, error) {
		return map[string]string{KeyName: key}, nil
	}
}
