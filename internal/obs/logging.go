// Package obs bundles the ambient observability stack: structured logging
// (zap, bridged to logr via zapr), Prometheus counters, and OTel spans.
package obs

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds the zap logger used by every cmd/ entrypoint. dev=true
// selects a human-readable console encoder for local runs; dev=false
// selects the JSON production encoder.
func NewLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Logr adapts a zap.Logger to the vendor-neutral logr.Logger interface for
// code that prefers it (mirrors the teacher's go-logr/logr + go-logr/zapr pairing).
func Logr(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}

// JobFields returns the canonical set of structured fields attached to every
// log line emitted while processing a given job/attempt.
func JobFields(jobID, attemptID string) []zap.Field {
	fields := []zap.Field{zap.String("job_id", jobID)}
	if attemptID != "" {
		fields = append(fields, zap.String("attempt_id", attemptID))
	}
	return fields
}
