package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lilithos/lilithd/internal/domain"
)

const (
	keyFileName = ".archive_key"
	keySize     = 32 // SQLCipher passphrase for the job archive
)

// FileKeyProvider keeps the archive passphrase in a hex-encoded hidden file
// with 0600 permissions, next to the archive database.
type FileKeyProvider struct {
	path string
}

// NewFileKeyProvider creates a key provider rooted at the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{path: filepath.Join(dataDir, keyFileName)}
}

// GetKey reads and decodes the stored key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), keySize)
	}
	return key, nil
}

// StoreKey persists the key with restricted permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("key is %d bytes, want %d", len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// KeyExists reports whether a key has been stored.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// GenerateKey returns a fresh random archive key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, generating and persisting one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, fmt.Errorf("persist generated key: %w", err)
	}
	return key, nil
}

var _ domain.KeyProvider = (*FileKeyProvider)(nil)
