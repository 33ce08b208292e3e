// Package bot – keyring.go stores the panel password and the AI API key in
// the operating system's native keyring (Linux: Secret Service/GNOME
// Keyring, macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (AUTOROCKET_PANEL_PASSWORD, AUTOROCKET_AI_API_KEY)
//  3. Config file value (least secure — plaintext on disk)
package bot

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "autorocket"

	// KeyringPanelPassword is the key name for the panel login password.
	KeyringPanelPassword = "panel_password"

	// KeyringAIAPIKey is the key name for the AI backend API key.
	KeyringAIAPIKey = "ai_api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__autorocket_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills the panel password and AI API key from the keyring or
// environment when the config leaves them empty. Config-file values win so
// explicit configuration stays predictable.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.Channel.Password == "" {
		if v := GetKeyring(KeyringPanelPassword); v != "" {
			cfg.Channel.Password = v
			logger.Debug("panel password resolved from keyring")
		} else if v := os.Getenv("AUTOROCKET_PANEL_PASSWORD"); v != "" {
			cfg.Channel.Password = v
			logger.Debug("panel password resolved from environment")
		}
	}

	if cfg.AI.APIKey == "" {
		if v := GetKeyring(KeyringAIAPIKey); v != "" {
			cfg.AI.APIKey = v
			logger.Debug("AI API key resolved from keyring")
		} else if v := os.Getenv("AUTOROCKET_AI_API_KEY"); v != "" {
			cfg.AI.APIKey = v
			logger.Debug("AI API key resolved from environment")
		} else if v := os.Getenv("DIFY_API_KEY"); v != "" {
			cfg.AI.APIKey = v
			logger.Debug("AI API key resolved from DIFY_API_KEY")
		}
	}
}
