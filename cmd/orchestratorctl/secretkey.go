package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/agentorch/internal/config"
	"github.com/basket/agentorch/internal/secrets"
)

const secretKeyEnv = "AGENTORCH_SECRET_KEY"

// secretKey resolves the AES-256 key used for provider-secret encryption.
// AGENTORCH_SECRET_KEY, if set, takes precedence; otherwise a key is read
// from (or generated into) <home>/secret.key on first run, so a fresh
// install doesn't need any manual bootstrap step.
func secretKey() ([]byte, error) {
	if enc := os.Getenv(secretKeyEnv); enc != "" {
		return decodeKey(enc)
	}

	home := config.HomeDir()
	path := filepath.Join(home, "secret.key")

	if data, err := os.ReadFile(path); err == nil {
		return decodeKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	encoded, err := secrets.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create agentorch home: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return decodeKey(encoded)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: not valid base64: %w", secretKeyEnv, err)
	}
	return key, nil
}
