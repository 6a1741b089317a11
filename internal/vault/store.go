package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// secretRecord is one entry's on-disk shape: base64-encoded ciphertext and
// nonce, since Vault.Encrypt returns raw bytes and JSON has no byte type.
type secretRecord struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Store persists named secrets (GitHub and Telegram tokens) encrypted at
// rest in a single JSON file. There is no agent registry to assign secrets
// to, just a handful of named tokens the hub process reads at startup, so
// a flat file suffices.
type Store struct {
	path  string
	vault *Vault
}

// NewStore opens (without requiring it to exist yet) the secrets file at
// path, encrypting and decrypting through v.
func NewStore(path string, v *Vault) *Store {
	return &Store{path: path, vault: v}
}

func (s *Store) load() (map[string]secretRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]secretRecord{}, nil
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	var records map[string]secretRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	return records, nil
}

func (s *Store) save(records map[string]secretRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault file: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Set encrypts plaintext and stores it under name, overwriting any
// existing secret with that name.
func (s *Store) Set(name string, plaintext []byte) error {
	records, err := s.load()
	if err != nil {
		return err
	}
	ciphertext, nonce, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt %q: %w", name, err)
	}
	records[name] = secretRecord{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	return s.save(records)
}

// Get decrypts and returns the named secret. ok is false if no secret with
// that name is stored.
func (s *Store) Get(name string) (plaintext []byte, ok bool, err error) {
	records, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, found := records[name]
	if !found {
		return nil, false, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("decode ciphertext for %q: %w", name, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return nil, false, fmt.Errorf("decode nonce for %q: %w", name, err)
	}
	plaintext, err = s.vault.Decrypt(ciphertext, nonce)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt %q: %w", name, err)
	}
	return plaintext, true, nil
}

// Delete removes the named secret. It is not an error to delete a secret
// that doesn't exist.
func (s *Store) Delete(name string) error {
	records, err := s.load()
	if err != nil {
		return err
	}
	delete(records, name)
	return s.save(records)
}

// Names returns the sorted list of secret names currently stored.
func (s *Store) Names() ([]string, error) {
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
