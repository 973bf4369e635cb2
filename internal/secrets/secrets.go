// Package secrets keeps provider API keys and the observer signing secret
// in an AES-GCM sealed file next to a locally generated master key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	schemaVersion = 2
	masterKeySize = 32
)

// additionalData binds the ciphertext to the file format.
var additionalData = []byte("orcascore-secrets-v2")

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrEmptyKey            = errors.New("api key cannot be empty")
	ErrInvalidMasterKey    = errors.New("invalid master key length")
)

var knownProviders = map[string]bool{
	"anthropic": true,
	"litellm":   true,
	"openai":    true,
}

type Store struct {
	secretsPath string
	keyPath     string
	mu          sync.Mutex
}

type Secrets struct {
	SchemaVersion  int               `json:"schema_version"`
	ProviderKeys   map[string]string `json:"provider_keys,omitempty"`
	ObserverSecret string            `json:"observer_secret,omitempty"`
}

type sealedFile struct {
	SchemaVersion int    `json:"schema_version"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
}

func NewStore(secretsPath, keyPath string) *Store {
	return &Store{secretsPath: secretsPath, keyPath: keyPath}
}

// GetProviderKey returns "" when no key is stored for the provider.
func (s *Store) GetProviderKey(providerID string) (string, error) {
	if !knownProviders[providerID] {
		return "", ErrUnsupportedProvider
	}
	var key string
	err := s.view(func(sec *Secrets) {
		key = sec.ProviderKeys[providerID]
	})
	return key, err
}

func (s *Store) SetProviderKey(providerID, key string) error {
	if !knownProviders[providerID] {
		return ErrUnsupportedProvider
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	return s.update(func(sec *Secrets) bool {
		sec.ProviderKeys[providerID] = key
		return true
	})
}

func (s *Store) ClearProviderKey(providerID string) error {
	if !knownProviders[providerID] {
		return ErrUnsupportedProvider
	}
	return s.update(func(sec *Secrets) bool {
		if _, ok := sec.ProviderKeys[providerID]; !ok {
			return false
		}
		delete(sec.ProviderKeys, providerID)
		return true
	})
}

// ObserverSecret returns the secret observer tokens are signed with,
// generating and persisting one on first use.
func (s *Store) ObserverSecret() (string, error) {
	var secret string
	err := s.update(func(sec *Secrets) bool {
		if sec.ObserverSecret != "" {
			secret = sec.ObserverSecret
			return false
		}
		raw := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return false
		}
		sec.ObserverSecret = hex.EncodeToString(raw)
		secret = sec.ObserverSecret
		return true
	})
	if err == nil && secret == "" {
		err = errors.New("generate observer secret")
	}
	return secret, err
}

func (s *Store) view(fn func(*Secrets)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, err := s.read()
	if err != nil {
		return err
	}
	fn(sec)
	return nil
}

// update runs fn on the decrypted secrets and writes them back when fn
// reports a change. The whole cycle happens under the store mutex.
func (s *Store) update(fn func(*Secrets) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, err := s.read()
	if err != nil {
		return err
	}
	if !fn(sec) {
		return nil
	}
	return s.write(sec)
}

func (s *Store) read() (*Secrets, error) {
	data, err := os.ReadFile(s.secretsPath)
	if errors.Is(err, os.ErrNotExist) {
		return &Secrets{SchemaVersion: schemaVersion, ProviderKeys: map[string]string{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var file sealedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}
	var sec Secrets
	if err := json.Unmarshal(plain, &sec); err != nil {
		return nil, err
	}
	sec.SchemaVersion = schemaVersion
	if sec.ProviderKeys == nil {
		sec.ProviderKeys = map[string]string{}
	}
	return &sec, nil
}

func (s *Store) write(sec *Secrets) error {
	aead, err := s.aead()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(sec)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(sealedFile{
		SchemaVersion: schemaVersion,
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:    base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, additionalData)),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.secretsPath), 0o755); err != nil {
		return err
	}
	tmp := s.secretsPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.secretsPath)
}

func (s *Store) aead() (cipher.AEAD, error) {
	key, err := s.masterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Store) masterKey() ([]byte, error) {
	key, err := os.ReadFile(s.keyPath)
	switch {
	case err == nil:
		if len(key) != masterKeySize {
			return nil, ErrInvalidMasterKey
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0o755); err != nil {
		return nil, err
	}
	key = make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.keyPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
