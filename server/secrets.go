package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const credentialKeyFile = "credential.key"

// LoadCredentialSecret returns the configured credential secret, or loads it from the secrets
// directory, creating a random one on first start.
func LoadCredentialSecret(cfg Config, logger *slog.Logger) ([]byte, error) {
	if cfg.Server.CredentialSecret != "" {
		return []byte(cfg.Server.CredentialSecret), nil
	}
	if cfg.Server.SecretsPath == "" {
		return nil, errors.New("server.credential_secret or server.secrets_path is required")
	}

	path := filepath.Join(cfg.Server.SecretsPath, credentialKeyFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return secret, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate credential secret: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.SecretsPath, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	logger.Info("credential secret generated", "path", path)
	return secret, nil
}
