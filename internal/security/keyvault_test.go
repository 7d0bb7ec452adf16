package security

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fast scrypt parameters keep the suite quick. N must stay a power of two.
func testConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      1024,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	vault := NewVault(
		filepath.Join(t.TempDir(), "keyvault.json"),
		[]byte("test-passphrase"),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	vault.config = testConfig()
	return vault
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cfg := testConfig()
	payload, err := Encrypt([]byte("sk-secret-value"), []byte("passphrase"), cfg)
	require.NoError(t, err)

	plaintext, err := Decrypt(payload, []byte("passphrase"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", string(plaintext))
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	cfg := testConfig()
	payload, err := Encrypt([]byte("secret"), []byte("right"), cfg)
	require.NoError(t, err)

	_, err = Decrypt(payload, []byte("wrong"), cfg)
	require.Error(t, err)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	cfg := testConfig()
	payload, err := Encrypt([]byte("secret"), []byte("passphrase"), cfg)
	require.NoError(t, err)

	payload.Ciphertext[0] ^= 0x01

	_, err = Decrypt(payload, []byte("passphrase"), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity")
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	cfg := testConfig()

	_, err := Encrypt(nil, []byte("passphrase"), cfg)
	require.Error(t, err)

	_, err = Encrypt([]byte("secret"), nil, cfg)
	require.Error(t, err)
}

func TestVaultSetGetDelete(t *testing.T) {
	vault := newTestVault(t)

	require.NoError(t, vault.Set("openai", "sk-live-1234"))

	value, err := vault.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-1234", value)

	require.NoError(t, vault.Delete("openai"))
	_, err = vault.Get("openai")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	// Deleting again is a no-op.
	require.NoError(t, vault.Delete("openai"))
}

func TestVaultListSorted(t *testing.T) {
	vault := newTestVault(t)

	require.NoError(t, vault.Set("openai", "a"))
	require.NoError(t, vault.Set("anthropic", "b"))

	names, err := vault.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "openai"}, names)
}

func TestVaultResolve(t *testing.T) {
	vault := newTestVault(t)
	require.NoError(t, vault.Set("openai", "sk-live-1234"))

	resolved, err := vault.Resolve("vault://openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-1234", resolved)

	// Plain values pass through untouched.
	resolved, err = vault.Resolve("sk-plain")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", resolved)

	_, err = vault.Resolve("vault://")
	require.Error(t, err)
}

func TestVaultFilePermissions(t *testing.T) {
	if os.PathSeparator == '\\' {
		t.Skip("permission bits are not enforced on windows")
	}
	vault := newTestVault(t)
	require.NoError(t, vault.Set("openai", "sk-live-1234"))

	info, err := os.Stat(vault.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestVaultSecretsSealedAtRest(t *testing.T) {
	vault := newTestVault(t)
	require.NoError(t, vault.Set("openai", "sk-live-1234"))

	raw, err := os.ReadFile(vault.path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live-1234")
}
