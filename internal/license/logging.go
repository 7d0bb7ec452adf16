package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// logAction logs a license action with structured attributes. License keys
// never reach the log stream unmasked.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, msg string, attrs ...slog.Attr) {
	all := append([]slog.Attr{slog.String("action", action)}, attrs...)
	m.logger.LogAttrs(ctx, level, msg, all...)
}

func (m *Manager) logDebug(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelDebug, action, msg, attrs...)
}

func (m *Manager) logInfo(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, msg, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, msg, attrs...)
}

// maskKey hides the middle of a license key for log output.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// hashKey returns a short stable hash of a key for audit correlation
// without exposing the key itself.
func hashKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
