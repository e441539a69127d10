// Package defaults locates the relay's per-user data directory.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/MarketRelay/
//	Windows: %AppData%\MarketRelay\
//	Linux:   ~/.config/marketrelay/
//
// Override with MARKETRELAY_DATA_DIR environment variable.
package defaults

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the platform-appropriate data directory.
// Set MARKETRELAY_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("MARKETRELAY_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "marketrelay"), nil
	}
	return filepath.Join(configDir, "MarketRelay"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// AuditPath is where the command audit database lives under dir.
func AuditPath(dir string) string {
	return filepath.Join(dir, "data", "marketrelay.db")
}

// CredentialsPath is where file credentials live under dir.
func CredentialsPath(dir string) string {
	return filepath.Join(dir, "credentials.yaml")
}
