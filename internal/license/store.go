package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Record is the single persisted entitlement state. A record with no
// signature is the Free-tier default that exists when nothing was activated.
type Record struct {
	Tier         Tier                  `json:"tier"`
	SubjectHash  string                `json:"subject_hash,omitempty"`
	Organization string                `json:"organization,omitempty"`
	IssuedAt     time.Time             `json:"issued_at"`
	ExpiresAt    time.Time             `json:"expires_at,omitempty"`
	Features     []string              `json:"features,omitempty"`
	Limits       map[string]LimitValue `json:"limits,omitempty"`
	Format       KeyFormat             `json:"format,omitempty"`
	Signature    string                `json:"signature,omitempty"`
	VerifiedAt   time.Time             `json:"verified_at,omitempty"`
}

// Activated reports whether the record carries a signed license rather than
// the Free-tier default.
func (r *Record) Activated() bool {
	return r.Signature != ""
}

// claim rebuilds the claim covered by the record's signature.
func (r *Record) claim() Claim {
	return Claim{
		Tier:             r.Tier,
		SubjectHash:      r.SubjectHash,
		Organization:     r.Organization,
		IssuedAt:         r.IssuedAt,
		ExpiresAt:        r.ExpiresAt,
		FeatureOverrides: r.Features,
		Format:           r.Format,
	}
}

// defaultRecord returns the Free-tier record used when no license is stored
// or the stored one cannot be trusted.
func defaultRecord() *Record {
	return &Record{Tier: TierFree}
}

// Store owns the durable license record. Nothing else mutates the file.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a license store backed by the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger.With(slog.String("component", "license_store"))}
}

// Path returns the record location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the active record. Absence yields the Free-tier default, never
// an error; an unreadable or unparsable file is logged and likewise degrades
// to the default so the invoking command keeps working.
func (s *Store) Load() *Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("license record unreadable, using free tier",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
		return defaultRecord()
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("license record corrupt, using free tier",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return defaultRecord()
	}
	if rec.Tier == "" {
		rec.Tier = TierFree
	}
	return &rec
}

// Save atomically replaces the stored record: the new content is written to
// a temporary file in the same directory and renamed over the old one, so a
// crash mid-write never corrupts the stored state. Concurrent saves are
// last-writer-wins, which is acceptable for rare, deliberate activations.
func (s *Store) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal license record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create license directory: %w", err)
	}
	return atomicWriteFile(s.path, data, 0600)
}

// Clear removes the stored record, reverting to the Free tier.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove license record: %w", err)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in path's directory, fsyncs it,
// and renames it over path. File permissions restrict access to the owner.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
