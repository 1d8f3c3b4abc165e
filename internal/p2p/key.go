package p2p

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateKey returns the node identity stored hex-encoded at path,
// generating and persisting an ed25519 key on first use. An empty path
// yields an ephemeral key.
func LoadOrCreateKey(path string) (crypto.PrivKey, error) {
	if path == "" {
		priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		return priv, err
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}
		priv, err := crypto.UnmarshalPrivateKey(decoded)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal key: %w", err)
		}
		return priv, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	encoded, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(encoded)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	log.Infow("generated node key", "path", path)
	return priv, nil
}
