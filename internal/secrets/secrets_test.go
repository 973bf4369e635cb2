package secrets

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProviderKeyRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))
	if err := store.SetProviderKey("anthropic", " sk-ant-test "); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := store.SetProviderKey("litellm", "sk-gateway"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	key, err := store.GetProviderKey("anthropic")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key != "sk-ant-test" {
		t.Fatalf("expected trimmed key roundtrip, got %q", key)
	}

	data, err := os.ReadFile(filepath.Join(root, "secrets.enc"))
	if err != nil {
		t.Fatalf("read secrets: %v", err)
	}
	if strings.Contains(string(data), "sk-ant-test") {
		t.Fatalf("secrets file must not contain plaintext keys")
	}

	if err := store.ClearProviderKey("anthropic"); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	key, err = store.GetProviderKey("anthropic")
	if err != nil || key != "" {
		t.Fatalf("expected cleared key, got %q err=%v", key, err)
	}
	gateway, err := store.GetProviderKey("litellm")
	if err != nil || gateway != "sk-gateway" {
		t.Fatalf("expected other keys untouched, got %q err=%v", gateway, err)
	}
}

func TestProviderKeyRejectsUnknownProvider(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))
	if err := store.SetProviderKey("gemini", "x"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
	if err := store.SetProviderKey("openai", "  "); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected empty key to be rejected, got %v", err)
	}
}

func TestInvalidMasterKey(t *testing.T) {
	root := t.TempDir()
	keyPath := filepath.Join(root, "master.key")
	if err := os.WriteFile(keyPath, []byte("short"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	store := NewStore(filepath.Join(root, "secrets.enc"), keyPath)
	if err := store.SetProviderKey("openai", "sk"); !errors.Is(err, ErrInvalidMasterKey) {
		t.Fatalf("expected invalid master key error, got %v", err)
	}
}

func TestObserverSecretIsGeneratedOnce(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))
	first, err := store.ObserverSecret()
	if err != nil {
		t.Fatalf("observer secret: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 32 hex-encoded bytes, got %q", first)
	}
	reopened := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))
	second, err := reopened.ObserverSecret()
	if err != nil || second != first {
		t.Fatalf("expected persisted secret, got %q err=%v", second, err)
	}
	if err := reopened.SetProviderKey("openai", "sk-openai"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	third, _ := reopened.ObserverSecret()
	if third != first {
		t.Fatalf("setting a provider key must keep the observer secret")
	}
}

func TestTamperedFileFailsToDecrypt(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "secrets.enc")
	store := NewStore(path, filepath.Join(root, "master.key"))
	if err := store.SetProviderKey("anthropic", "sk-ant"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var file sealedFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("parse: %v", err)
	}
	file.Nonce = base64.StdEncoding.EncodeToString(make([]byte, 12))
	tampered, _ := json.Marshal(file)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.GetProviderKey("anthropic"); err == nil {
		t.Fatalf("expected decrypt failure")
	}
}
