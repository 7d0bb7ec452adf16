package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// VaultScheme prefixes config values that should be resolved from the vault,
// e.g. "vault://openai".
const VaultScheme = "vault://"

// ErrSecretNotFound is returned when a named secret is absent from the vault.
var ErrSecretNotFound = errors.New("secret not found in vault")

// vaultFile is the on-disk layout: one encrypted payload per secret name.
type vaultFile struct {
	Version int                          `json:"version"`
	Secrets map[string]*EncryptedPayload `json:"secrets"`
}

// Vault stores named secrets encrypted at rest. Every operation loads the
// file fresh so concurrent CLI invocations see each other's writes.
type Vault struct {
	path       string
	passphrase []byte
	config     *EncryptionConfig
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewVault opens a vault backed by the given file. The file is created on
// first Set.
func NewVault(path string, passphrase []byte, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		path:       path,
		passphrase: passphrase,
		config:     DefaultEncryptionConfig(),
		logger:     logger,
	}
}

// Set encrypts and stores a secret under name, replacing any previous value.
func (v *Vault) Set(name, secret string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	if secret == "" {
		return errors.New("secret value cannot be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return err
	}

	payload, err := Encrypt([]byte(secret), v.passphrase, v.config)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", name, err)
	}
	file.Secrets[name] = payload

	if err := v.save(file); err != nil {
		return err
	}
	v.logger.Info("vault secret stored", slog.String("name", name))
	return nil
}

// Get decrypts and returns the secret stored under name.
func (v *Vault) Get(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return "", err
	}

	payload, ok := file.Secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	plaintext, err := Decrypt(payload, v.passphrase, v.config)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a secret. Deleting an absent name is not an error.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := file.Secrets[name]; !ok {
		return nil
	}
	delete(file.Secrets, name)
	return v.save(file)
}

// List returns the stored secret names in sorted order. Values stay sealed.
func (v *Vault) List() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	file, err := v.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(file.Secrets))
	for name := range file.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Resolve expands a config value. Values with the vault:// scheme are looked
// up in the vault; anything else passes through unchanged.
func (v *Vault) Resolve(value string) (string, error) {
	if !strings.HasPrefix(value, VaultScheme) {
		return value, nil
	}
	name := strings.TrimPrefix(value, VaultScheme)
	if name == "" {
		return "", errors.New("vault reference has no secret name")
	}
	return v.Get(name)
}

func (v *Vault) load() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &vaultFile{Version: 1, Secrets: map[string]*EncryptedPayload{}}, nil
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	if file.Secrets == nil {
		file.Secrets = map[string]*EncryptedPayload{}
	}
	return &file, nil
}

func (v *Vault) save(file *vaultFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp vault file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod vault file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write vault file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close vault file: %w", err)
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}
