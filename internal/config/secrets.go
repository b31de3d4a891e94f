package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSecretsDir - стандартный путь Docker Secrets.
const DefaultSecretsDir = "/run/secrets"

// ReadSecret читает секрет из файла secretsDir/name.
func ReadSecret(secretsDir, name string) (string, error) {
	if secretsDir == "" {
		secretsDir = DefaultSecretsDir
	}
	filePath := filepath.Join(secretsDir, name)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		// Без fallback на env var, чтобы поведение было консистентным
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}
