package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentryhttp middleware attaches a hub to request contexts, but background
// goroutines (session initialisation, sweeps) have no such context.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry should be deferred at the top of long-lived goroutines.
// It forwards the panic to sentry then re-raises it.
func ReportPanicsToSentry() {
	if err := recover(); err != nil {
		sentry.CurrentHub().Recover(err)
		panic(err)
	}
}
