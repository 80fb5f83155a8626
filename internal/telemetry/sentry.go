// Package telemetry provides privacy-compliant error tracking
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/skywatch/internal/buildinfo"
	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// DefaultFlushTimeout bounds how long shutdown waits for queued events.
const DefaultFlushTimeout = 2 * time.Second

var sentryInitialized atomic.Bool

// Option configures Init.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// Init starts Sentry and routes enhanced errors to it. It is a no-op when
// telemetry is disabled.
func Init(settings *conf.SentrySettings, build *buildinfo.Context, opts ...Option) error {
	if settings == nil || !settings.Enabled {
		return nil
	}

	options := sentry.ClientOptions{
		Dsn:        settings.DSN,
		SampleRate: 1.0,

		// Privacy-compliant settings
		AttachStacktrace: false,
		Environment:      settings.Environment,
		ServerName:       "", // never leak the hostname
		Release:          build.Release(),

		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("version", build.GetVersion())
		scope.SetContext("application", map[string]any{
			"name":       "SkyWatch",
			"version":    build.GetVersion(),
			"build_date": build.GetBuildDate(),
		})
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	sentryInitialized.Store(true)

	logger.Global().Module("telemetry").Info("error telemetry enabled",
		logger.String("environment", settings.Environment),
		logger.String("release", build.Release()))
	return nil
}

// Enabled reports whether Init has started Sentry.
func Enabled() bool {
	return sentryInitialized.Load()
}

// Flush waits for queued events and detaches the error reporter.
func Flush(timeout time.Duration) {
	if !sentryInitialized.CompareAndSwap(true, false) {
		return
	}
	errors.SetTelemetryReporter(nil)
	sentry.Flush(timeout)
}

// applyPrivacyFilters removes host identity and credentials from an event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = errors.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
	}

	// request bodies carry submitted coordinates and images
	if event.Request != nil {
		event.Request.Data = ""
		event.Request.Cookies = ""
	}

	return event
}
