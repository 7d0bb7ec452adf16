package license

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tier is a named entitlement level bundling a feature set and numeric limits.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// tierOrder is the upgrade ordering used when naming the minimum tier that
// unlocks a feature.
var tierOrder = []Tier{TierFree, TierPro, TierEnterprise}

// ParseTier converts a raw tier string (any case) into a known Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

// Valid reports whether t is a tier this build understands.
func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil
}

// Display returns the user-facing tier name.
func (t Tier) Display() string {
	switch t {
	case TierFree:
		return "Free"
	case TierPro:
		return "Pro"
	case TierEnterprise:
		return "Enterprise"
	default:
		return string(t)
	}
}

// rank returns the position of t in the upgrade ordering, or -1 for unknown
// tiers so they never compare above a known one.
func (t Tier) rank() int {
	for i, known := range tierOrder {
		if t == known {
			return i
		}
	}
	return -1
}

// Limit names understood by the catalog. requests_per_hour and
// requests_per_day are windowed; the rest are static per-call caps.
const (
	LimitRequestsPerDay       = "requests_per_day"
	LimitRequestsPerHour      = "requests_per_hour"
	LimitMaxTokensPerRequest  = "max_tokens_per_request"
	LimitHistoryRetentionDays = "history_retention_days"
	LimitMaxConversations     = "max_conversations"
)

// Unlimited marks a limit with no numeric bound.
const Unlimited int64 = -1

// LimitValue is an integer limit that serializes the Unlimited marker as the
// explicit string "unlimited" in persisted records.
type LimitValue int64

// MarshalJSON implements json.Marshaler.
func (v LimitValue) MarshalJSON() ([]byte, error) {
	if int64(v) == Unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(int64(v))
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *LimitValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid limit value %q", s)
		}
		*v = LimitValue(Unlimited)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = LimitValue(n)
	return nil
}

// Definition is the static, read-only description of one tier.
type Definition struct {
	Features map[string]struct{}
	Limits   map[string]int64
}

func featureSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Catalog is a pure lookup from tier to its definition. It has no I/O and no
// mutable state; changing a definition requires a new build.
type Catalog struct {
	tiers map[Tier]Definition
}

// DefaultCatalog returns the built-in tier catalog.
func DefaultCatalog() *Catalog {
	freeFeatures := []string{
		"chat", "ask", "interactive", "history", "config", "doctor",
	}
	proFeatures := append([]string{
		"quantum", "molecular", "research", "code_analysis", "agents",
		"plugins", "cost_tracking", "output_formats", "retry_logic",
		"clipboard", "mcp",
	}, freeFeatures...)
	enterpriseFeatures := append([]string{
		"sso", "audit_logs", "team_sharing", "priority_support",
		"custom_models", "api_access", "usage_analytics", "role_based_access",
	}, proFeatures...)

	return &Catalog{tiers: map[Tier]Definition{
		TierFree: {
			Features: featureSet(freeFeatures...),
			Limits: map[string]int64{
				LimitRequestsPerDay:       50,
				LimitRequestsPerHour:      10,
				LimitMaxTokensPerRequest:  4096,
				LimitHistoryRetentionDays: 7,
				LimitMaxConversations:     10,
			},
		},
		TierPro: {
			Features: featureSet(proFeatures...),
			Limits: map[string]int64{
				LimitRequestsPerDay:       1000,
				LimitRequestsPerHour:      100,
				LimitMaxTokensPerRequest:  32000,
				LimitHistoryRetentionDays: 90,
				LimitMaxConversations:     100,
			},
		},
		TierEnterprise: {
			Features: featureSet(enterpriseFeatures...),
			Limits: map[string]int64{
				LimitRequestsPerDay:       Unlimited,
				LimitRequestsPerHour:      Unlimited,
				LimitMaxTokensPerRequest:  128000,
				LimitHistoryRetentionDays: 365,
				LimitMaxConversations:     Unlimited,
			},
		},
	}}
}

// LimitsFor returns the definition for a tier. Unknown tiers fail with
// ErrUnknownTier rather than silently defaulting: an unrecognized tier on a
// signed license indicates corruption or a newer license format than this
// build understands.
func (c *Catalog) LimitsFor(tier Tier) (Definition, error) {
	def, ok := c.tiers[tier]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return def, nil
}

// HasFeature reports whether the feature is in the tier's feature set or in
// the license's explicit overrides. Unknown tiers grant nothing.
func (c *Catalog) HasFeature(tier Tier, overrides []string, feature string) bool {
	for _, o := range overrides {
		if o == feature {
			return true
		}
	}
	def, ok := c.tiers[tier]
	if !ok {
		return false
	}
	_, ok = def.Features[feature]
	return ok
}

// KnownFeature reports whether any tier defines the feature. Unknown feature
// names fail at this lookup boundary instead of silently matching nothing.
func (c *Catalog) KnownFeature(feature string) bool {
	for _, def := range c.tiers {
		if _, ok := def.Features[feature]; ok {
			return true
		}
	}
	return false
}

// MinimumTierFor returns the first tier in the Free < Pro < Enterprise
// ordering whose feature set contains the feature.
func (c *Catalog) MinimumTierFor(feature string) (Tier, bool) {
	for _, tier := range tierOrder {
		if _, ok := c.tiers[tier].Features[feature]; ok {
			return tier, true
		}
	}
	return "", false
}

// Features returns the sorted feature names available to a tier.
func (c *Catalog) Features(tier Tier) []string {
	def, ok := c.tiers[tier]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(def.Features))
	for name := range def.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
