package vault

import (
	"path/filepath"
	"testing"
)

func TestStoreSetAndGetRoundTrips(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "secrets.json"), New("test-passphrase"))

	if err := s.Set("telegram_token", []byte("123:abc")); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := s.Get("telegram_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected secret to be found")
	}
	if string(got) != "123:abc" {
		t.Errorf("got %q", got)
	}
}

func TestStoreGetMissingSecretReturnsNotOK(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "secrets.json"), New("test-passphrase"))

	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing secret")
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	v := New("shared-passphrase")

	first := NewStore(path, v)
	if err := first.Set("github_token", []byte("ghp_xyz")); err != nil {
		t.Fatalf("set: %v", err)
	}

	second := NewStore(path, v)
	got, ok, err := second.Get("github_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(got) != "ghp_xyz" {
		t.Errorf("got %q, ok=%v", got, ok)
	}
}

func TestStoreWrongPassphraseFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")

	if err := NewStore(path, New("right")).Set("telegram_token", []byte("secret")); err != nil {
		t.Fatalf("set: %v", err)
	}

	_, _, err := NewStore(path, New("wrong")).Get("telegram_token")
	if err == nil {
		t.Fatal("expected decrypt error with wrong passphrase")
	}
}

func TestStoreDeleteRemovesSecret(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "secrets.json"), New("test-passphrase"))
	if err := s.Set("telegram_token", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete("telegram_token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := s.Get("telegram_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected secret to be gone after delete")
	}
}

func TestStoreNamesListsSortedSecretNames(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "secrets.json"), New("test-passphrase"))
	if err := s.Set("telegram_token", []byte("a")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("github_token", []byte("b")); err != nil {
		t.Fatalf("set: %v", err)
	}

	names, err := s.Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 2 || names[0] != "github_token" || names[1] != "telegram_token" {
		t.Errorf("got %v", names)
	}
}

func TestStoreGetOnMissingFileReturnsNotOK(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"), New("test-passphrase"))

	_, ok, err := s.Get("anything")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected ok=false when the vault file has never been written")
	}
}
