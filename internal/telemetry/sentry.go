// Package telemetry wires non-audio-thread error reporting to Sentry (spec
// §7's error-kind taxonomy). Nothing under this package is ever called from
// the audio thread; its current caller is the boot path in cmd/beamd.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Kind names one of spec §7's error categories.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindStorage       Kind = "storage"
	KindResolve       Kind = "resolve"
	KindFetch         Kind = "fetch"
	KindFormat        Kind = "format"
	KindDevice        Kind = "device"
)

const flushTimeout = 2 * time.Second

// Reporter captures errors tagged with their spec §7 kind. It is a thin,
// disable-when-unconfigured wrapper, not a generic logging facade — regular
// application logging still goes through slog.
type Reporter struct {
	enabled bool
}

// Init configures the global Sentry client and returns a Reporter. If dsn is
// empty, the Reporter is returned disabled and every method becomes a no-op;
// callers don't need to branch on whether telemetry is configured.
func Init(dsn, environment, release string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{enabled: false}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}
	return &Reporter{enabled: true}, nil
}

// Flush blocks until pending events are sent or the timeout elapses; call
// once during graceful shutdown.
func (r *Reporter) Flush() {
	if r == nil || !r.enabled {
		return
	}
	sentry.Flush(flushTimeout)
}

// CaptureError reports err under the given kind, with extra key/value
// context (e.g. "riff_id", "stem_id").
func (r *Reporter) CaptureError(kind Kind, err error, extra map[string]any) {
	if r == nil || !r.enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_kind", string(kind))
		for k, v := range extra {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// RecordFetchDuration traces a pipeline fetch-or-decode span so slow CDN
// fetches and slow decodes show up separately in performance monitoring.
func (r *Reporter) RecordFetchDuration(ctx context.Context, operation string, duration time.Duration, success bool) {
	if r == nil || !r.enabled {
		return
	}
	span := sentry.StartSpan(ctx, operation)
	defer span.Finish()
	span.SetData("duration_ms", duration.Milliseconds())
	span.SetTag("success", fmt.Sprintf("%t", success))
	if success {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInternalError
	}
}
