package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/certlane"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Issuance metrics
	PackagesBuiltTotal      metric.Int64Counter
	SignaturesAttachedTotal metric.Int64Counter

	// Registry metrics
	AuditorsRegisteredTotal metric.Int64Counter
	KeyRotationsTotal       metric.Int64Counter
	KeyRevocationsTotal     metric.Int64Counter
	RegistryIntegrityErrors metric.Int64Counter

	// Ledger metrics
	LedgerWritesTotal      metric.Int64Counter
	LedgerWriteErrorsTotal metric.Int64Counter
	LedgerWriteDuration    metric.Float64Histogram
	LedgerReadRetriesTotal metric.Int64Counter

	// Verification metrics
	VerificationsTotal   metric.Int64Counter
	VerificationDuration metric.Float64Histogram
	QuorumUnknownTotal   metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Outcome is a convenience attribute set for counters split by result.
func Outcome(v string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", v))
}

// Operation is a convenience attribute set for counters split by ledger method.
func Operation(v string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("operation", v))
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.PackagesBuiltTotal, _ = meter.Int64Counter(
		"certlane.packages.built.total",
		metric.WithDescription("Total number of certification packages built and platform-signed"),
		metric.WithUnit("{package}"),
	)

	m.SignaturesAttachedTotal, _ = meter.Int64Counter(
		"certlane.signatures.attached.total",
		metric.WithDescription("Total number of auditor signatures attached to packages"),
		metric.WithUnit("{signature}"),
	)

	m.AuditorsRegisteredTotal, _ = meter.Int64Counter(
		"certlane.auditors.registered.total",
		metric.WithDescription("Total number of auditors registered"),
		metric.WithUnit("{auditor}"),
	)

	m.KeyRotationsTotal, _ = meter.Int64Counter(
		"certlane.keys.rotated.total",
		metric.WithDescription("Total number of auditor key rotations"),
		metric.WithUnit("{rotation}"),
	)

	m.KeyRevocationsTotal, _ = meter.Int64Counter(
		"certlane.keys.revoked.total",
		metric.WithDescription("Total number of auditor keys revoked"),
		metric.WithUnit("{key}"),
	)

	m.RegistryIntegrityErrors, _ = meter.Int64Counter(
		"certlane.registry.integrity_errors.total",
		metric.WithDescription("Key lookups that found more than one covering validity window"),
		metric.WithUnit("{error}"),
	)

	m.LedgerWritesTotal, _ = meter.Int64Counter(
		"certlane.ledger.writes.total",
		metric.WithDescription("Total number of confirmed ledger writes"),
		metric.WithUnit("{transaction}"),
	)

	m.LedgerWriteErrorsTotal, _ = meter.Int64Counter(
		"certlane.ledger.writes.errors.total",
		metric.WithDescription("Total number of failed or rejected ledger writes"),
		metric.WithUnit("{error}"),
	)

	m.LedgerWriteDuration, _ = meter.Float64Histogram(
		"certlane.ledger.writes.duration",
		metric.WithDescription("Time from submission to confirmation of a ledger write"),
		metric.WithUnit("ms"),
	)

	m.LedgerReadRetriesTotal, _ = meter.Int64Counter(
		"certlane.ledger.reads.retries.total",
		metric.WithDescription("Total number of retried ledger reads"),
		metric.WithUnit("{retry}"),
	)

	m.VerificationsTotal, _ = meter.Int64Counter(
		"certlane.verifications.total",
		metric.WithDescription("Total number of package verifications by outcome"),
		metric.WithUnit("{verification}"),
	)

	m.VerificationDuration, _ = meter.Float64Histogram(
		"certlane.verifications.duration",
		metric.WithDescription("Duration of the verification pipeline"),
		metric.WithUnit("ms"),
	)

	m.QuorumUnknownTotal, _ = meter.Int64Counter(
		"certlane.verifications.quorum_unknown.total",
		metric.WithDescription("Verifications where quorum could not be evaluated"),
		metric.WithUnit("{verification}"),
	)

	return m
}
