package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultGracePeriod is the fixed window after expiry during which a license
// still functions at its nominal tier.
const DefaultGracePeriod = 7 * 24 * time.Hour

// State of a loaded license, computed from the clock, never stored.
type State string

const (
	StateActive  State = "active"
	StateGrace   State = "grace"
	StateExpired State = "expired"
)

// FeatureDecision answers "is feature F allowed?".
type FeatureDecision struct {
	Allowed bool
	// Reason names the minimum tier that would allow a denied feature, or
	// explains the denial when no tier carries it.
	Reason string
	// Notice carries a non-denying warning for the caller to surface, such
	// as the grace-period expiry warning.
	Notice string
}

// LimitDecision answers "is this call within limit L?".
type LimitDecision struct {
	Allowed   bool
	Unbounded bool
	// Remaining is the quota left in the current window before the
	// projected increment; zero when Unbounded.
	Remaining int64
}

// OnlineActivator redeems an opaque online key against the licensing
// backend and returns the signed license it vends. The network protocol is
// outside this package; the manager never retries the call itself.
type OnlineActivator func(ctx context.Context, key string) (*SignedLicense, error)

// Status is a snapshot of the current entitlement state for display.
type Status struct {
	Tier         string                `json:"tier"`
	State        State                 `json:"state"`
	Activated    bool                  `json:"activated"`
	Organization string                `json:"organization,omitempty"`
	SubjectHash  string                `json:"subject_hash,omitempty"`
	ExpiresAt    *time.Time            `json:"expires_at,omitempty"`
	DaysLeft     int                   `json:"days_left"`
	Features     []string              `json:"features"`
	Limits       map[string]LimitValue `json:"limits"`
}

// Manager composes the key codec, signature verifier, tier catalog, license
// store, and rate counters into the entitlement engine. It owns the license
// lifecycle state machine and caches the verified record in memory for the
// process lifetime; re-verification is only forced by explicit re-activation.
type Manager struct {
	store    *Store
	counters *CounterStore
	catalog  *Catalog
	secret   []byte
	grace    time.Duration
	now      func() time.Time

	activator OnlineActivator
	logger    *slog.Logger
	metrics   *Metrics

	mu     sync.RWMutex
	cached *Record
	loaded bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source, enabling deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSecret overrides the build-time signing secret.
func WithSecret(secret []byte) Option {
	return func(m *Manager) { m.secret = secret }
}

// WithGracePeriod overrides the post-expiry grace window.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithCatalog overrides the built-in tier catalog.
func WithCatalog(c *Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithOnlineActivator wires the collaborator that redeems online keys.
func WithOnlineActivator(a OnlineActivator) Option {
	return func(m *Manager) { m.activator = a }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches entitlement metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates an entitlement manager. Commands receive an explicitly
// constructed instance rather than a hidden process-wide singleton.
func NewManager(store *Store, counters *CounterStore, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		counters: counters,
		catalog:  DefaultCatalog(),
		secret:   []byte(signingSecret),
		grace:    DefaultGracePeriod,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "entitlement_manager"))
	return m
}

// current returns the verified record, loading and verifying it once per
// process. A record whose signature fails verification is treated exactly
// like no license at all; callers only ever see a tier and a boolean, never
// cryptographic detail.
func (m *Manager) current(ctx context.Context) *Record {
	m.mu.RLock()
	if m.loaded {
		rec := m.cached
		m.mu.RUnlock()
		return rec
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.cached
	}
	m.cached = m.loadAndVerify(ctx)
	m.loaded = true
	return m.cached
}

func (m *Manager) loadAndVerify(ctx context.Context) *Record {
	rec := m.store.Load()
	if !rec.Activated() {
		return rec
	}

	if !VerifyHex(CanonicalPayload(rec.claim()), rec.Signature, m.secret) {
		m.logWarn(ctx, "record_verification", "stored license failed verification, using free tier",
			slog.String("tier", string(rec.Tier)),
		)
		if m.metrics != nil {
			m.metrics.VerificationFailures.Add(ctx, 1)
		}
		return defaultRecord()
	}

	rec.VerifiedAt = m.now()
	return rec
}

// stateOf computes the lifecycle state from wall-clock time. The Free-tier
// default never expires and is always Active.
func (m *Manager) stateOf(rec *Record) State {
	if !rec.Activated() || rec.ExpiresAt.IsZero() {
		return StateActive
	}
	now := m.now()
	switch {
	case !now.After(rec.ExpiresAt):
		return StateActive
	case !now.After(rec.ExpiresAt.Add(m.grace)):
		return StateGrace
	default:
		return StateExpired
	}
}

// effective resolves the record to the tier and overrides that actually
// apply right now. Expired licenses and unknown tiers degrade to Free with
// no overrides; this is the deliberate fail-safe that reduces the CLI to
// free functionality instead of blocking it.
func (m *Manager) effective(ctx context.Context, rec *Record) (Tier, []string, State) {
	state := m.stateOf(rec)
	if state == StateExpired {
		return TierFree, nil, state
	}
	if !rec.Tier.Valid() {
		m.logWarn(ctx, "tier_lookup", "license carries unknown tier, denying paid features",
			slog.String("tier", string(rec.Tier)),
		)
		return TierFree, nil, state
	}
	return rec.Tier, rec.Features, state
}

// CheckFeature reports whether a feature is allowed for the current license.
// A Grace-state check emits an "expiring soon" notice without denying.
func (m *Manager) CheckFeature(ctx context.Context, feature string) FeatureDecision {
	rec := m.current(ctx)
	tier, overrides, state := m.effective(ctx, rec)

	decision := FeatureDecision{}
	if state == StateGrace {
		decision.Notice = fmt.Sprintf(
			"license expired on %s; tier benefits continue until %s",
			rec.ExpiresAt.UTC().Format("2006-01-02"),
			rec.ExpiresAt.Add(m.grace).UTC().Format("2006-01-02"),
		)
	}

	if m.catalog.HasFeature(tier, overrides, feature) {
		decision.Allowed = true
		m.recordFeatureCheck(ctx, feature, true)
		return decision
	}

	if minTier, ok := m.catalog.MinimumTierFor(feature); ok {
		decision.Reason = minTier.Display()
	} else {
		decision.Reason = fmt.Sprintf("unknown feature %q", feature)
	}
	m.recordFeatureCheck(ctx, feature, false)
	m.logDebug(ctx, "feature_check", "feature denied",
		slog.String("feature", feature),
		slog.String("tier", string(tier)),
		slog.String("required", decision.Reason),
	)
	return decision
}

// CheckLimit reports whether a call consuming projected units stays within
// the named limit. It rolls the backing window forward but records nothing;
// RecordUsage is the separate, explicit call made after the gated work ran.
func (m *Manager) CheckLimit(ctx context.Context, name string, projected int64) LimitDecision {
	rec := m.current(ctx)
	tier, _, _ := m.effective(ctx, rec)

	def, err := m.catalog.LimitsFor(tier)
	if err != nil {
		// Unreachable with a valid effective tier; deny rather than grant.
		return LimitDecision{}
	}
	limit, ok := def.Limits[name]
	if !ok {
		m.logWarn(ctx, "limit_check", "unknown limit name, denying",
			slog.String("limit", name),
		)
		return LimitDecision{}
	}
	if limit == Unlimited {
		return LimitDecision{Allowed: true, Unbounded: true}
	}

	window := windowFor(name)
	if window == 0 {
		// Static per-call cap, no durable counter behind it.
		return LimitDecision{Allowed: projected <= limit, Remaining: limit}
	}

	counter, err := m.counters.Peek(name, window)
	if err != nil {
		m.logWarn(ctx, "limit_check", "counter read failed, treating quota as exhausted",
			slog.String("limit", name),
			slog.String("error", err.Error()),
		)
		return LimitDecision{}
	}

	remaining := limit - counter.Count
	if remaining < 0 {
		remaining = 0
	}
	decision := LimitDecision{
		Allowed:   counter.Count+projected <= limit,
		Remaining: remaining,
	}
	if !decision.Allowed {
		m.recordLimitDenied(ctx, name)
		m.logInfo(ctx, "limit_check", "limit exhausted",
			slog.String("limit", name),
			slog.Int64("count", counter.Count),
			slog.Int64("max", limit),
			slog.Time("window_resets", counter.WindowStart.Add(window)),
		)
	}
	return decision
}

// RecordUsage adds consumed units to the named windowed counter. Call it
// only after the gated operation actually executed so aborted operations do
// not burn quota.
func (m *Manager) RecordUsage(ctx context.Context, name string, amount int64) error {
	window := windowFor(name)
	if window == 0 {
		return fmt.Errorf("%w: %q has no usage window", ErrLimitUnknown, name)
	}
	counter, err := m.counters.Increment(name, window, amount)
	if err != nil {
		m.logWarn(ctx, "record_usage", "failed to persist usage",
			slog.String("limit", name),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.logDebug(ctx, "record_usage", "usage recorded",
		slog.String("limit", name),
		slog.Int64("count", counter.Count),
	)
	return nil
}

// Activate parses, verifies, and persists a license key, replacing any
// previously active license. Signature mismatches report the same error as
// structurally valid but unknown keys.
func (m *Manager) Activate(ctx context.Context, key string) (*Record, error) {
	start := m.now()
	rec, err := m.activate(ctx, key)
	m.recordActivation(ctx, m.now().Sub(start), err == nil)
	if err != nil {
		m.logInfo(ctx, "activation", "license activation failed",
			slog.String("license_key_masked", maskKey(key)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	m.logInfo(ctx, "activation", "license activated",
		slog.String("license_key_masked", maskKey(key)),
		slog.String("license_key_hash", hashKey(key)),
		slog.String("tier", string(rec.Tier)),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

func (m *Manager) activate(ctx context.Context, key string) (*Record, error) {
	key = strings.TrimSpace(key)
	claim, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	var signed *SignedLicense
	switch claim.Format {
	case KeyFormatOnline:
		signed, err = m.redeemOnline(ctx, key, claim)
		if err != nil {
			return nil, err
		}
	default:
		signed = &SignedLicense{Claim: *claim, Signature: offlineSignature(key)}
	}

	if !VerifyHex(CanonicalPayload(signed.Claim), signed.Signature, m.secret) {
		return nil, ErrInvalidKey
	}

	now := m.now()
	rec := &Record{
		Tier:         signed.Claim.Tier,
		SubjectHash:  signed.Claim.SubjectHash,
		Organization: signed.Claim.Organization,
		IssuedAt:     signed.Claim.IssuedAt,
		ExpiresAt:    signed.Claim.ExpiresAt,
		Features:     signed.Claim.FeatureOverrides,
		Format:       signed.Claim.Format,
		Signature:    signed.Signature,
		VerifiedAt:   now,
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	if !rec.ExpiresAt.After(rec.IssuedAt) {
		return nil, fmt.Errorf("%w: expiry precedes issue date", ErrInvalidKey)
	}
	if def, err := m.catalog.LimitsFor(rec.Tier); err == nil {
		rec.Limits = make(map[string]LimitValue, len(def.Limits))
		for name, v := range def.Limits {
			rec.Limits[name] = LimitValue(v)
		}
	}

	if err := m.store.Save(rec); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	m.mu.Lock()
	m.cached = rec
	m.loaded = true
	m.mu.Unlock()
	return rec, nil
}

// redeemOnline checks the key's local checksum, then hands it to the
// activation collaborator. Timeouts and retries belong to the collaborator.
func (m *Manager) redeemOnline(ctx context.Context, key string, claim *Claim) (*SignedLicense, error) {
	if OnlineChecksum(claim.OnlineID, m.secret) != key[37:] {
		return nil, ErrInvalidKey
	}
	if m.activator == nil {
		return nil, ErrOnlineOnly
	}
	signed, err := m.activator(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("online activation: %w", err)
	}
	return signed, nil
}

// Deactivate clears the active license, reverting to the Free tier.
func (m *Manager) Deactivate(ctx context.Context) error {
	if err := m.store.Clear(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cached = defaultRecord()
	m.loaded = true
	m.mu.Unlock()
	m.logInfo(ctx, "deactivation", "license deactivated")
	return nil
}

// Status reports the current entitlement snapshot for the CLI and the local
// HTTP surface.
func (m *Manager) Status(ctx context.Context) *Status {
	rec := m.current(ctx)
	tier, _, state := m.effective(ctx, rec)

	def, _ := m.catalog.LimitsFor(tier)
	limits := make(map[string]LimitValue, len(def.Limits))
	for name, v := range def.Limits {
		limits[name] = LimitValue(v)
	}

	status := &Status{
		Tier:         tier.Display(),
		State:        state,
		Activated:    rec.Activated(),
		Organization: rec.Organization,
		SubjectHash:  rec.SubjectHash,
		Features:     m.catalog.Features(tier),
		Limits:       limits,
	}
	if rec.Activated() && !rec.ExpiresAt.IsZero() {
		expires := rec.ExpiresAt
		status.ExpiresAt = &expires
		if days := int(expires.Sub(m.now()).Hours() / 24); days > 0 {
			status.DaysLeft = days
		}
	}
	return status
}

// windowFor maps a windowed limit name to its fixed duration. Limits with no
// window are static caps.
func windowFor(name string) time.Duration {
	switch name {
	case LimitRequestsPerHour:
		return time.Hour
	case LimitRequestsPerDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// offlineSignature extracts the signature field from an already structurally
// validated offline key.
func offlineSignature(key string) string {
	return key[len(key)-signatureHexLen:]
}
