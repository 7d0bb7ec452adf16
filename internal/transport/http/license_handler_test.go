package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowecli/internal/license"
)

var handlerTestSecret = []byte("handler-test-secret")

func newTestRouter(t *testing.T) (http.Handler, *license.Manager) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := func() time.Time {
		return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	store := license.NewStore(filepath.Join(dir, "license.json"), logger)
	counters := license.NewCounterStore(filepath.Join(dir, "usage.json"), logger,
		license.WithCounterClock(now))
	manager := license.NewManager(store, counters,
		license.WithSecret(handlerTestSecret),
		license.WithClock(now),
	)

	router := NewRouter(RouterOptions{
		Manager: manager,
		Logger:  logger,
		Version: "test",
	})
	return router, manager
}

func validProKey(t *testing.T) string {
	t.Helper()
	return license.EncodeOfflineKey(license.Claim{
		Tier:        license.TierPro,
		SubjectHash: license.HashSubject("dev@example.com"),
		ExpiresAt:   time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
	}, handlerTestSecret)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestStatusDefaultsToFree(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/license/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status license.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "Free", status.Tier)
	assert.False(t, status.Activated)
}

func TestActivateSuccess(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/license/activate",
		ActivationRequest{LicenseKey: validProKey(t)})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ActivationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Status)
	assert.Equal(t, "Pro", resp.Status.Tier)
}

func TestActivateRejectsMissingKey(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/license/activate",
		ActivationRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivateRejectsInvalidKey(t *testing.T) {
	router, _ := newTestRouter(t)

	key := validProKey(t)
	// Flip one signature character.
	tampered := key[:len(key)-1]
	if key[len(key)-1] == 'a' {
		tampered += "b"
	} else {
		tampered += "a"
	}

	rec := doJSON(t, router, http.MethodPost, "/api/license/activate",
		ActivationRequest{LicenseKey: tampered})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeactivateRevertsToFree(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/license/activate",
		ActivationRequest{LicenseKey: validProKey(t)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/license/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/license/status", nil)
	var status license.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "Free", status.Tier)
}

func TestLimitsReportRemainingQuota(t *testing.T) {
	router, manager := newTestRouter(t)

	require.NoError(t, manager.RecordUsage(context.Background(), license.LimitRequestsPerHour, 3))

	rec := doJSON(t, router, http.MethodGet, "/api/license/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var limits map[string]LimitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))

	hour, ok := limits[license.LimitRequestsPerHour]
	require.True(t, ok)
	require.NotNil(t, hour.Remaining)
	assert.Equal(t, int64(7), *hour.Remaining)
}
