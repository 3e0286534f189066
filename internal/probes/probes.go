// Package probes reports the health of external dependencies as metric
// producers. A probe never fails its producer: an unreachable dependency is
// reported as a "degraded" status with the error message, so one broken
// backend cannot take the whole metrics document down.
package probes

import (
	"context"
	"time"

	"megacity-metro/internal/metrics"
	"megacity-metro/internal/serializer"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	// DefaultTimeout bounds a single probe when none is configured.
	DefaultTimeout = 2 * time.Second
)

// Checker inspects one dependency and describes it as an ordered map.
type Checker interface {
	Check(ctx context.Context) *serializer.Map
}

// Producer adapts a Checker into a metrics producer, bounding every
// evaluation by timeout.
func Producer(checker Checker, timeout time.Duration) metrics.Producer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return checker.Check(ctx), nil
	}
}

func newReport(err error, latency time.Duration) *serializer.Map {
	report := serializer.NewMap()
	if err != nil {
		report.Set("status", StatusDegraded)
		report.Set("error", err.Error())
	} else {
		report.Set("status", StatusOK)
	}
	report.Set("latency_ms", latency.Milliseconds())
	return report
}
