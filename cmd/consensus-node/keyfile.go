package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vertexledger/consensuscore/crypto"
)

// identityKeyPath returns the submitter keyfile path under dataDir: a
// single well-known file per data directory rather than a keyring.
func identityKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "submitter.key")
}

// loadOrCreateKeypair reads a hex-encoded Ed25519 private key from path,
// generating and persisting a fresh one if the file does not exist yet.
// This lets repeated `submit` invocations against the same data
// directory reuse one submitter identity instead of minting a new one
// per process.
func loadOrCreateKeypair(path string) (crypto.PrivateKey, crypto.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		decoded, derr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil || len(decoded) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("keyfile %s is corrupt", path)
		}
		secret := crypto.PrivateKey(decoded)
		return secret, secret.Public().(ed25519.PublicKey), nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read keyfile %s: %w", path, err)
	}
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create keyfile dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write keyfile %s: %w", path, err)
	}
	return secret, public, nil
}
