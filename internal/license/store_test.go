package license

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "license.json"), testLogger(t))
}

func TestStoreLoadAbsent(t *testing.T) {
	store := newTestStore(t)

	rec := store.Load()
	require.NotNil(t, rec)
	assert.Equal(t, TierFree, rec.Tier)
	assert.False(t, rec.Activated())
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	saved := &Record{
		Tier:         TierPro,
		SubjectHash:  "a1b2c3",
		Organization: "Acme",
		IssuedAt:     now,
		ExpiresAt:    now.AddDate(1, 0, 0),
		Features:     []string{"sso"},
		Limits:       map[string]LimitValue{LimitRequestsPerDay: 1000},
		Format:       KeyFormatOffline,
		Signature:    "deadbeef",
		VerifiedAt:   now,
	}
	require.NoError(t, store.Save(saved))

	loaded := store.Load()
	assert.Equal(t, saved.Tier, loaded.Tier)
	assert.Equal(t, saved.SubjectHash, loaded.SubjectHash)
	assert.Equal(t, saved.Organization, loaded.Organization)
	assert.True(t, saved.ExpiresAt.Equal(loaded.ExpiresAt))
	assert.Equal(t, saved.Features, loaded.Features)
	assert.Equal(t, saved.Limits, loaded.Limits)
	assert.True(t, loaded.Activated())
}

func TestStoreRecordPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are advisory on windows")
	}
	store := newTestStore(t)
	require.NoError(t, store.Save(&Record{Tier: TierPro, Signature: "aa"}))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreLoadCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0600))

	rec := store.Load()
	assert.Equal(t, TierFree, rec.Tier)
	assert.False(t, rec.Activated())
}

func TestStoreLoadRecordWithUnlimitedMarker(t *testing.T) {
	store := newTestStore(t)
	raw := map[string]any{
		"tier":       "enterprise",
		"issued_at":  "2026-01-01T00:00:00Z",
		"expires_at": "2027-01-01T00:00:00Z",
		"signature":  "abcd",
		"limits": map[string]any{
			"requests_per_day":       "unlimited",
			"max_tokens_per_request": 128000,
		},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), data, 0600))

	rec := store.Load()
	assert.Equal(t, TierEnterprise, rec.Tier)
	assert.Equal(t, LimitValue(Unlimited), rec.Limits[LimitRequestsPerDay])
	assert.Equal(t, LimitValue(128000), rec.Limits[LimitMaxTokensPerRequest])
}

func TestStoreClear(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Record{Tier: TierPro, Signature: "aa"}))
	require.NoError(t, store.Clear())

	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, TierFree, store.Load().Tier)

	// Clearing twice is not an error.
	require.NoError(t, store.Clear())
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Record{Tier: TierPro, Signature: "aa"}))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(store.Path()), entries[0].Name())
}
