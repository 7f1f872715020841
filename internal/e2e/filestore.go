package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const fileStoreKeySize = 32

var ErrInvalidStoreKey = errors.New("invalid store key")

// FileStore is a durable BlobStore backed by a single JSON file. Every value
// is sealed with AES-256-GCM before it touches disk, so session material and
// trust pins never appear in plaintext outside the process.
type FileStore struct {
	mu   sync.Mutex
	path string
	gcm  cipher.AEAD
}

// NewFileStore opens or creates the store at path. key must be 32 bytes.
func NewFileStore(path string, key []byte) (*FileStore, error) {
	if len(key) != fileStoreKeySize {
		return nil, ErrInvalidStoreKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}
	return &FileStore{path: path, gcm: gcm}, nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, err := s.load()
	if err != nil {
		return nil, false, err
	}
	sealed, ok := blobs[key]
	if !ok {
		return nil, false, nil
	}
	value, err := s.open(sealed)
	if err != nil {
		return nil, false, fmt.Errorf("blob %s: %w", key, err)
	}
	return value, true, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, err := s.load()
	if err != nil {
		return err
	}
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("blob %s: %w", key, err)
	}
	blobs[key] = sealed
	return s.save(blobs)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := blobs[key]; !ok {
		return nil
	}
	delete(blobs, key)
	return s.save(blobs)
}

func (s *FileStore) seal(value []byte) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, value, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *FileStore) open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(raw) < s.gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:s.gcm.NonceSize()], raw[s.gcm.NonceSize():]
	value, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return value, nil
}

func (s *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	blobs := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &blobs); err != nil {
			return nil, fmt.Errorf("parse store: %w", err)
		}
	}
	return blobs, nil
}

func (s *FileStore) save(blobs map[string]string) error {
	raw, err := json.MarshalIndent(blobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
