// Package bot – loader.go reads the YAML configuration with .env loading
// and ${VAR} environment expansion.
package bot

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR}           - simple variable
//   - ${VAR:-default}  - default value if unset
//   - ${VAR:?message}  - load error if unset
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// are loaded first (without overriding the process environment), then every
// ${VAR} reference in the YAML text is expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	return ParseConfig([]byte(expanded))
}

// ParseConfig parses YAML bytes into a Config, overlaying the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// loadEnvFiles loads .env files into the process environment. Existing
// variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references in the raw YAML text.
// An unset ${VAR} without a modifier expands to empty; ${VAR:?msg} makes the
// load fail with msg.
func expandEnvVars(input string) (string, error) {
	var expandErr error

	result := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if expandErr == nil {
				expandErr = fmt.Errorf("%s: %s", name, value)
			}
		}
		return ""
	})

	if expandErr != nil {
		return "", expandErr
	}
	return result, nil
}
