package license

import "errors"

// Sentinel errors for license operations. ErrInvalidKey deliberately covers
// both signature mismatches and well-formed-but-unknown keys so callers
// cannot distinguish them (no oracle on the signing secret).
var (
	ErrMalformedKey = errors.New("invalid license key format")
	ErrInvalidKey   = errors.New("invalid license key")
	ErrUnknownTier  = errors.New("unknown license tier")
	ErrNotActivated = errors.New("license not activated")
	ErrOnlineOnly   = errors.New("key requires online activation")
	ErrLimitUnknown = errors.New("unknown usage limit")
)
