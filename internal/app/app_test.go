package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowecli/internal/config"
	"crowecli/internal/license"
	"crowecli/internal/provider"
	"crowecli/internal/security"
	"crowecli/internal/usage"
)

var appTestSecret = []byte("app-test-secret")

// newTestApp assembles an Application around temp storage without touching
// the global logger or meter provider.
func newTestApp(t *testing.T) (*Application, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	paths := &config.Paths{
		DataDir:      dir,
		LicenseFile:  filepath.Join(dir, "license.json"),
		CountersFile: filepath.Join(dir, "usage.json"),
		UsageLedger:  filepath.Join(dir, "costs.json"),
		HistoryDB:    filepath.Join(dir, "history.db"),
		KeyVaultFile: filepath.Join(dir, "keyvault.json"),
		LogsDir:      filepath.Join(dir, "logs"),
		ConfigFile:   filepath.Join(dir, "config.yaml"),
	}

	now := func() time.Time {
		return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	store := license.NewStore(paths.LicenseFile, logger)
	counters := license.NewCounterStore(paths.CountersFile, logger,
		license.WithCounterClock(now))
	manager := license.NewManager(store, counters,
		license.WithSecret(appTestSecret),
		license.WithClock(now),
	)

	var out bytes.Buffer
	app := &Application{
		Config: &config.Config{
			Provider: config.ProviderConfig{
				Name: "openai", BaseURL: "https://api.openai.com/v1",
				Model: "gpt-4o-mini", Timeout: time.Second, RPS: 1, Burst: 1, MaxTokens: 256,
			},
			Server: config.ServerConfig{Addr: "127.0.0.1:0"},
		},
		Paths:   paths,
		Logger:  logger,
		Manager: manager,
		Vault:   security.NewVault(paths.KeyVaultFile, []byte("test"), logger),
		Ledger:  usage.NewLedger(paths.UsageLedger, logger),
		stdout:  &out,
		stderr:  io.Discard,
	}
	return app, &out
}

func proKey(t *testing.T) string {
	t.Helper()
	return license.EncodeOfflineKey(license.Claim{
		Tier:        license.TierPro,
		SubjectHash: license.HashSubject("dev@example.com"),
		ExpiresAt:   time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
	}, appTestSecret)
}

func TestRunUnknownCommand(t *testing.T) {
	app, _ := newTestApp(t)
	err := app.Run(context.Background(), []string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	app, out := newTestApp(t)
	require.NoError(t, app.Run(context.Background(), nil))
	assert.Contains(t, out.String(), "Usage:")
}

func TestLicenseStatusDefaultsToFree(t *testing.T) {
	app, out := newTestApp(t)
	require.NoError(t, app.Run(context.Background(), []string{"license", "status"}))
	assert.Contains(t, out.String(), "Tier:      Free")
	assert.Contains(t, out.String(), "requests_per_hour")
}

func TestLicenseActivateAndStatus(t *testing.T) {
	app, out := newTestApp(t)

	require.NoError(t, app.Run(context.Background(),
		[]string{"license", "activate", "--key", proKey(t)}))
	assert.Contains(t, out.String(), "Pro tier")

	out.Reset()
	require.NoError(t, app.Run(context.Background(), []string{"license", "status"}))
	assert.Contains(t, out.String(), "Tier:      Pro")
}

func TestLicenseActivateRejectsBadKey(t *testing.T) {
	app, _ := newTestApp(t)
	err := app.Run(context.Background(),
		[]string{"license", "activate", "--key", "not-a-real-key"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activation failed")
}

func TestLicenseDeactivate(t *testing.T) {
	app, out := newTestApp(t)

	require.NoError(t, app.Run(context.Background(),
		[]string{"license", "activate", "--key", proKey(t)}))
	out.Reset()

	require.NoError(t, app.Run(context.Background(), []string{"license", "deactivate"}))
	assert.Contains(t, out.String(), "Free tier")
}

func TestGateDeniesPaidFeatureOnFree(t *testing.T) {
	app, _ := newTestApp(t)

	err := app.gate(context.Background(), "agents", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Pro")
}

func TestGateAllowsFreeFeatureWithinLimits(t *testing.T) {
	app, _ := newTestApp(t)
	require.NoError(t, app.gate(context.Background(), "ask", 100))
}

func TestGateDeniesWhenTokenCapExceeded(t *testing.T) {
	app, _ := newTestApp(t)

	// Free tier caps requests at 4096 tokens.
	err := app.gate(context.Background(), "ask", 5000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per-request cap")
}

func TestGateDeniesWhenWindowExhausted(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	// Free tier allows 10 requests per hour.
	require.NoError(t, app.Manager.RecordUsage(ctx, license.LimitRequestsPerHour, 10))

	err := app.gate(ctx, "ask", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), license.LimitRequestsPerHour)
}

func TestProviderRetriesGatedByTier(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	app.Config.Provider.BaseURL = server.URL
	app.Config.Provider.APIKey = "sk-test"
	app.Config.Provider.Retries = 1

	// Free tier lacks retry_logic; one attempt only.
	p, err := app.newProvider(ctx)
	require.NoError(t, err)
	_, err = p.Complete(ctx, provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// Pro unlocks retry_logic; the transient failure is retried.
	require.NoError(t, app.Run(ctx, []string{"license", "activate", "--key", proKey(t)}))
	calls = 0
	p, err = app.newProvider(ctx)
	require.NoError(t, err)
	_, err = p.Complete(ctx, provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestUsageRequiresProTier(t *testing.T) {
	app, _ := newTestApp(t)
	err := app.Run(context.Background(), []string{"usage"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Pro")
}

func TestUsageSummaryAfterActivation(t *testing.T) {
	app, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.Run(ctx, []string{"license", "activate", "--key", proKey(t)}))
	_, err := app.Ledger.Record("gpt-4o-mini", 1000, 500)
	require.NoError(t, err)
	out.Reset()

	require.NoError(t, app.Run(ctx, []string{"usage"}))
	assert.Contains(t, out.String(), "Requests:          1")
	assert.Contains(t, out.String(), "gpt-4o-mini")
}

func TestHistoryListEmpty(t *testing.T) {
	app, out := newTestApp(t)
	require.NoError(t, app.Run(context.Background(), []string{"history", "list"}))
	assert.Contains(t, out.String(), "No stored conversations")
}

func TestVaultListEmpty(t *testing.T) {
	app, out := newTestApp(t)
	require.NoError(t, app.Run(context.Background(), []string{"vault", "list"}))
	assert.Contains(t, out.String(), "Vault is empty")
}

func TestDoctorReportsFreeTier(t *testing.T) {
	app, out := newTestApp(t)
	require.NoError(t, app.Run(context.Background(), []string{"doctor"}))
	assert.Contains(t, out.String(), "tier=Free")
	assert.Contains(t, out.String(), "data directory")
}

func TestVersionCommand(t *testing.T) {
	app, out := newTestApp(t)
	require.NoError(t, app.Run(context.Background(), []string{"version"}))
	assert.Contains(t, out.String(), Version)
}
