// Package usage records per-request token consumption and estimated spend.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Pricing is the cost per million tokens for one model.
type Pricing struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// defaultPricing covers the models the CLI ships with. Unknown models record
// zero cost rather than failing the request.
var defaultPricing = map[string]Pricing{
	"gpt-4o":      {PromptPerMillion: 2.50, CompletionPerMillion: 10.00},
	"gpt-4o-mini": {PromptPerMillion: 0.15, CompletionPerMillion: 0.60},
}

// Entry is one recorded completion.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}

// Summary aggregates ledger entries.
type Summary struct {
	Requests         int                `json:"requests"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	TotalCostUSD     float64            `json:"total_cost_usd"`
	ByModel          map[string]float64 `json:"by_model"`
}

// Ledger is an append-only JSON cost log.
type Ledger struct {
	path    string
	pricing map[string]Pricing
	logger  *slog.Logger
	mu      sync.Mutex
	now     func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPricing overrides the pricing table.
func WithPricing(pricing map[string]Pricing) Option {
	return func(l *Ledger) { l.pricing = pricing }
}

// NewLedger opens the ledger backed by the given file.
func NewLedger(path string, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		path:    path,
		pricing: defaultPricing,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cost estimates the spend for a completion under the ledger's pricing table.
func (l *Ledger) Cost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := l.pricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*pricing.PromptPerMillion +
		float64(completionTokens)/1e6*pricing.CompletionPerMillion
}

// Record appends one completion to the ledger and returns the entry written.
func (l *Ledger) Record(model string, promptTokens, completionTokens int) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Timestamp:        l.now().UTC(),
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          l.Cost(model, promptTokens, completionTokens),
	}
	entries = append(entries, entry)

	if err := l.save(entries); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Summarize aggregates entries recorded at or after since. A zero since
// covers the whole ledger.
func (l *Ledger) Summarize(since time.Time) (*Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return nil, err
	}

	summary := &Summary{ByModel: map[string]float64{}}
	for _, entry := range entries {
		if !since.IsZero() && entry.Timestamp.Before(since) {
			continue
		}
		summary.Requests++
		summary.PromptTokens += entry.PromptTokens
		summary.CompletionTokens += entry.CompletionTokens
		summary.TotalCostUSD += entry.CostUSD
		summary.ByModel[entry.Model] += entry.CostUSD
	}
	return summary, nil
}

// Models returns the models with a pricing entry, sorted.
func (l *Ledger) Models() []string {
	models := make([]string, 0, len(l.pricing))
	for model := range l.pricing {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func (l *Ledger) load() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read usage ledger: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt ledger loses history but never blocks new requests.
		l.logger.Warn("usage ledger corrupt, starting fresh",
			slog.String("path", l.path),
			slog.String("error", err.Error()))
		return nil, nil
	}
	return entries, nil
}

func (l *Ledger) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".usage-*")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod ledger file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}
