package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName identifies the entitlement engine's meter.
const MeterName = "entitlement-engine"

// Metrics holds the entitlement engine's OpenTelemetry instruments.
type Metrics struct {
	ActivationAttempts   metric.Int64Counter
	ActivationFailures   metric.Int64Counter
	ActivationDuration   metric.Float64Histogram
	VerificationFailures metric.Int64Counter
	FeatureChecks        metric.Int64Counter
	FeatureDenials       metric.Int64Counter
	LimitDenials         metric.Int64Counter
}

// InitMetrics creates the entitlement instruments on the given meter.
func InitMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation attempts counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation duration histogram: %w", err)
	}

	m.VerificationFailures, err = meter.Int64Counter(
		"license_verification_failures_total",
		metric.WithDescription("Total number of stored licenses failing signature verification"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verification failures counter: %w", err)
	}

	m.FeatureChecks, err = meter.Int64Counter(
		"entitlement_feature_checks_total",
		metric.WithDescription("Total number of feature entitlement checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("create feature checks counter: %w", err)
	}

	m.FeatureDenials, err = meter.Int64Counter(
		"entitlement_feature_denials_total",
		metric.WithDescription("Total number of denied feature checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("create feature denials counter: %w", err)
	}

	m.LimitDenials, err = meter.Int64Counter(
		"entitlement_limit_denials_total",
		metric.WithDescription("Total number of rate limit denials"),
	)
	if err != nil {
		return nil, fmt.Errorf("create limit denials counter: %w", err)
	}

	return m, nil
}

func (m *Manager) recordFeatureCheck(ctx context.Context, feature string, allowed bool) {
	if m.metrics == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("feature", feature))
	m.metrics.FeatureChecks.Add(ctx, 1, labels)
	if !allowed {
		m.metrics.FeatureDenials.Add(ctx, 1, labels)
	}
}

func (m *Manager) recordLimitDenied(ctx context.Context, limit string) {
	if m.metrics == nil {
		return
	}
	m.metrics.LimitDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("limit", limit)))
}

func (m *Manager) recordActivation(ctx context.Context, d time.Duration, success bool) {
	if m.metrics == nil {
		return
	}
	m.metrics.ActivationAttempts.Add(ctx, 1)
	m.metrics.ActivationDuration.Record(ctx, d.Seconds())
	if !success {
		m.metrics.ActivationFailures.Add(ctx, 1)
	}
}
