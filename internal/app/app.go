package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"crowecli/internal/config"
	"crowecli/internal/history"
	"crowecli/internal/infrastructure"
	"crowecli/internal/license"
	"crowecli/internal/provider"
	"crowecli/internal/security"
	"crowecli/internal/usage"
)

const (
	Version = "1.0.0"
	AppName = "Crowe CLI"
)

// Application is the dependency container every command runs against.
type Application struct {
	Config  *config.Config
	Paths   *config.Paths
	Logger  *slog.Logger
	OTel    *infrastructure.OTelProviders
	Manager *license.Manager
	Vault   *security.Vault
	Ledger  *usage.Ledger

	stdout io.Writer
	stderr io.Writer
}

// NewApplication wires configuration, logging, metrics, and the entitlement
// engine. Command handlers receive the assembled container.
func NewApplication() (*Application, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	if err := paths.EnsureDataDir(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := license.InitMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entitlement metrics: %w", err)
	}

	store := license.NewStore(paths.LicenseFile, logger)
	counters := license.NewCounterStore(paths.CountersFile, logger)
	manager := license.NewManager(store, counters,
		license.WithLogger(logger),
		license.WithMetrics(metrics),
	)

	return &Application{
		Config:  cfg,
		Paths:   paths,
		Logger:  logger,
		OTel:    otelProviders,
		Manager: manager,
		Vault:   security.NewVault(paths.KeyVaultFile, vaultPassphrase(), logger),
		Ledger:  usage.NewLedger(paths.UsageLedger, logger),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}, nil
}

// Run dispatches a CLI invocation. args excludes the program name.
func (a *Application) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.printUsage()
		return nil
	}

	switch args[0] {
	case "license":
		return a.runLicense(ctx, args[1:])
	case "ask":
		return a.runAsk(ctx, args[1:])
	case "batch":
		return a.runBatch(ctx, args[1:])
	case "usage":
		return a.runUsage(ctx, args[1:])
	case "history":
		return a.runHistory(ctx, args[1:])
	case "vault":
		return a.runVault(ctx, args[1:])
	case "serve":
		return a.runServe(ctx, args[1:])
	case "doctor":
		return a.runDoctor(ctx)
	case "version":
		fmt.Fprintf(a.stdout, "%s %s\n", AppName, Version)
		return nil
	case "help", "-h", "--help":
		a.printUsage()
		return nil
	default:
		a.printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// Close flushes telemetry and the log file.
func (a *Application) Close(ctx context.Context) {
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	infrastructure.CloseLogFile()
}

func (a *Application) printUsage() {
	fmt.Fprintf(a.stdout, `%s %s

Usage:
  crowecli <command> [arguments]

Commands:
  ask <prompt>          Send a prompt to the configured AI provider
  batch <prompt>...     Run several prompts concurrently (Pro)
  license activate      Activate a license key
  license status        Show the current tier, state, and limits
  license deactivate    Remove the active license
  history list          List stored conversations
  history show <id>     Print one conversation
  history clear         Delete all stored conversations
  usage                 Show token usage and estimated spend (Pro)
  vault set <name>      Store a provider API key encrypted at rest
  vault list            List stored secret names
  vault delete <name>   Remove a stored secret
  serve                 Start the local status server
  doctor                Check the local installation
  version               Print the version
`, AppName, Version)
}

// vaultPassphrase resolves the key-vault passphrase. The environment override
// exists for shared machines; the default ties the vault to this host.
func vaultPassphrase() []byte {
	if p := os.Getenv("CROWECLI_VAULT_PASSPHRASE"); p != "" {
		return []byte(p)
	}
	host, _ := os.Hostname()
	return []byte("crowecli|" + host)
}

// openHistory opens the conversation store and enforces the current tier's
// retention and conversation caps before handing it to the caller.
func (a *Application) openHistory(ctx context.Context) (*history.Store, error) {
	store, err := history.Open(a.Paths.HistoryDB, a.Logger)
	if err != nil {
		return nil, err
	}
	status := a.Manager.Status(ctx)
	retention := int64(status.Limits[license.LimitHistoryRetentionDays])
	maxConvs := int64(status.Limits[license.LimitMaxConversations])
	if err := store.Enforce(retention, maxConvs); err != nil {
		a.Logger.Warn("history enforcement failed", slog.String("error", err.Error()))
	}
	return store, nil
}

// newProvider builds the configured provider with its API key resolved
// through the vault. Transient-failure retries are a Pro feature; without
// the retry_logic entitlement the client makes a single attempt.
func (a *Application) newProvider(ctx context.Context) (provider.Provider, error) {
	cfg := a.Config.Provider
	if !a.Manager.CheckFeature(ctx, "retry_logic").Allowed {
		cfg.Retries = 0
	}
	return provider.New(cfg, a.Vault)
}
