package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyFormat tags how a license key is validated.
type KeyFormat string

const (
	// KeyFormatOffline keys are self-contained: TIER-SUBJECTHASH-YYYYMMDD-SIGNATURE.
	KeyFormatOffline KeyFormat = "offline"
	// KeyFormatOnline keys are opaque UUID-CHECKSUM handles redeemed against
	// an activation collaborator.
	KeyFormatOnline KeyFormat = "online"
)

const (
	offlineFieldCount = 4
	// A 36-char UUID literal splits into five dash fields; the checksum is
	// the sixth.
	onlineFieldCount   = 6
	onlineChecksumLen  = 8
	offlineExpiryLen   = 8
	minSubjectHashLen  = 6
	maxSubjectHashLen  = 64
	signatureHexLen    = 64
	canonicalVersion   = "v2"
	canonicalDelimiter = "|"
)

// Claim is the structured, unverified content of a license key before
// signature checking.
type Claim struct {
	Tier             Tier
	SubjectHash      string
	Organization     string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	FeatureOverrides []string
	Format           KeyFormat

	// OnlineID is the UUID of an online key; empty for offline keys.
	OnlineID string
}

// SignedLicense is a claim plus the signature that covers its canonical
// payload. Verification is a deterministic function of (payload, secret).
type SignedLicense struct {
	Claim     Claim
	Signature string // hex-encoded
}

// ParseKey parses a raw license key string into an unverified claim.
// Classification is structural: exactly four dash fields is an offline key,
// exactly six with a leading UUID literal is an online key. Structural
// failures return ErrMalformedKey; signature validity is not checked here.
func ParseKey(raw string) (*Claim, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedKey)
	}

	switch strings.Count(raw, "-") + 1 {
	case offlineFieldCount:
		return parseOfflineKey(raw)
	case onlineFieldCount:
		return parseOnlineKey(raw)
	default:
		return nil, fmt.Errorf("%w: unexpected field count", ErrMalformedKey)
	}
}

func parseOfflineKey(raw string) (*Claim, error) {
	parts := strings.Split(raw, "-")

	tier, err := ParseTier(parts[0])
	if err != nil || parts[0] != strings.ToUpper(parts[0]) {
		return nil, fmt.Errorf("%w: bad tier field", ErrMalformedKey)
	}

	subject := parts[1]
	if len(subject) < minSubjectHashLen || len(subject) > maxSubjectHashLen || !isLowerHex(subject) {
		return nil, fmt.Errorf("%w: bad subject field", ErrMalformedKey)
	}

	expiry, err := parseExpiryField(parts[2])
	if err != nil {
		return nil, err
	}

	sig := parts[3]
	if len(sig) != signatureHexLen || !isLowerHex(sig) {
		return nil, fmt.Errorf("%w: bad signature field", ErrMalformedKey)
	}

	return &Claim{
		Tier:        tier,
		SubjectHash: subject,
		ExpiresAt:   expiry,
		Format:      KeyFormatOffline,
	}, nil
}

func parseOnlineKey(raw string) (*Claim, error) {
	if len(raw) != 36+1+onlineChecksumLen || raw[36] != '-' {
		return nil, fmt.Errorf("%w: bad online key layout", ErrMalformedKey)
	}
	id, err := uuid.Parse(raw[:36])
	if err != nil {
		return nil, fmt.Errorf("%w: bad key identifier", ErrMalformedKey)
	}
	checksum := raw[37:]
	if !isLowerHex(checksum) {
		return nil, fmt.Errorf("%w: bad checksum field", ErrMalformedKey)
	}
	return &Claim{
		Format:   KeyFormatOnline,
		OnlineID: id.String(),
	}, nil
}

// parseExpiryField reads a YYYYMMDD field as end of day UTC.
func parseExpiryField(field string) (time.Time, error) {
	if len(field) != offlineExpiryLen || !isDigits(field) {
		return time.Time{}, fmt.Errorf("%w: bad expiry field", ErrMalformedKey)
	}
	day, err := time.ParseInLocation("20060102", field, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad expiry date", ErrMalformedKey)
	}
	return day.Add(24*time.Hour - time.Second), nil
}

// CanonicalPayload produces the exact byte sequence covered by a license
// signature: "v2|TIER|SUBJECTHASH|YYYYMMDD|ORGANIZATION|OVERRIDES", where
// OVERRIDES is the feature overrides sorted and comma-joined. Every field
// that grants entitlement is included, so editing any of them in the stored
// record invalidates the signature. Field order, delimiter, and the version
// tag are part of the wire contract; changing any of them requires a version
// bump, since it would break all previously issued keys. Organization and
// override names must not contain the delimiter.
func CanonicalPayload(c Claim) []byte {
	overrides := make([]string, len(c.FeatureOverrides))
	copy(overrides, c.FeatureOverrides)
	sort.Strings(overrides)

	fields := []string{
		canonicalVersion,
		strings.ToUpper(string(c.Tier)),
		c.SubjectHash,
		c.ExpiresAt.UTC().Format("20060102"),
		c.Organization,
		strings.Join(overrides, ","),
	}
	return []byte(strings.Join(fields, canonicalDelimiter))
}

// EncodeOfflineKey serializes a claim back to offline key text, signing the
// canonical payload with the given secret. Used by key issuing tooling and
// tests; ParseKey(EncodeOfflineKey(c)) reproduces an equal claim.
func EncodeOfflineKey(c Claim, secret []byte) string {
	sig := hex.EncodeToString(Sign(CanonicalPayload(c), secret))
	return strings.Join([]string{
		strings.ToUpper(string(c.Tier)),
		c.SubjectHash,
		c.ExpiresAt.UTC().Format("20060102"),
		sig,
	}, "-")
}

// OnlineChecksum computes the 8-hex-char integrity checksum appended to an
// online key's UUID. It only guards against typos and truncation; the real
// entitlement comes from the activation collaborator.
func OnlineChecksum(id string, secret []byte) string {
	sum := Sign([]byte("online"+canonicalDelimiter+strings.ToLower(id)), secret)
	return hex.EncodeToString(sum)[:onlineChecksumLen]
}

// HashSubject derives the stable subject hash carried in offline keys from a
// licensed email address. The raw email is never stored or transmitted.
func HashSubject(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:12]
}

func isLowerHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
