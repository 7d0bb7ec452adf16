package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the single source of truth for every file the CLI persists.
// Everything lives in a user-scoped data directory so concurrent users on a
// shared machine never see each other's entitlement state.
type Paths struct {
	DataDir      string
	LicenseFile  string
	CountersFile string
	UsageLedger  string
	HistoryDB    string
	KeyVaultFile string
	LogsDir      string
	ConfigFile   string
}

// dataDirName is the directory created under the user's home.
const dataDirName = ".crowecli"

// GetPaths resolves the user-scoped application paths. CROWECLI_DATA_DIR
// overrides the default location, which tests rely on.
func GetPaths() (*Paths, error) {
	dataDir := os.Getenv("CROWECLI_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, dataDirName)
	}

	return &Paths{
		DataDir:      dataDir,
		LicenseFile:  filepath.Join(dataDir, "license.json"),
		CountersFile: filepath.Join(dataDir, "usage.json"),
		UsageLedger:  filepath.Join(dataDir, "costs.json"),
		HistoryDB:    filepath.Join(dataDir, "history.db"),
		KeyVaultFile: filepath.Join(dataDir, "keyvault.json"),
		LogsDir:      filepath.Join(dataDir, "logs"),
		ConfigFile:   filepath.Join(dataDir, "config.yaml"),
	}, nil
}

// EnsureDataDir creates the data directory with owner-only access.
func (p *Paths) EnsureDataDir() error {
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

// FileExists reports whether a path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
