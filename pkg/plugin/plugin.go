package plugin

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Transport performs the HTTP call behind an operation. Endpoints are
// relative to the server base URL.
type Transport interface {
	// Post issues a POST without a request body. A nil error means the server
	// answered with a 2xx status; the response body is ignored.
	Post(ctx context.Context, endpoint string) error
}

// StatusCode extracts the HTTP status carried by err. Errors that never
// reached the server (refused connections, timeouts) report 0.
func StatusCode(err error) int {
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		return status.HTTPStatus()
	}
	return 0
}

// Outcome describes a finished operation.
type Outcome struct {
	OperationID string
	Operation   Operation
	PluginID    string
	StatusCode  int
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Succeeded reports whether the operation completed without error.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Duration returns the time spent in flight.
func (o Outcome) Duration() time.Duration { return o.FinishedAt.Sub(o.StartedAt) }

// Observer is told about every finished operation after user feedback and
// events have been delivered.
type Observer interface {
	OperationFinished(ctx context.Context, outcome Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, outcome Outcome)

// OperationFinished implements Observer.
func (f ObserverFunc) OperationFinished(ctx context.Context, outcome Outcome) { f(ctx, outcome) }

// Option modifies the behaviour of a Center.
type Option func(*Center)

// WithNotifier sets where busy indicators and alerts are rendered.
func WithNotifier(n Notifier) Option {
	return func(c *Center) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithFailureReporter sets the collaborator that renders failed operations.
func WithFailureReporter(r FailureReporter) Option {
	return func(c *Center) {
		if r != nil {
			c.failures = r
		}
	}
}

// WithMessages overrides the text catalog. Empty entries fall back to the
// defaults.
func WithMessages(m Messages) Option {
	return func(c *Center) {
		c.messages = m.Merge(DefaultMessages())
	}
}

// WithTimeouts sets the timeout for uninstall and the extended timeout for
// install and update. Non-positive values keep the defaults.
func WithTimeouts(standard, extended time.Duration) Option {
	return func(c *Center) {
		if standard > 0 {
			c.timeout = standard
		}
		if extended > 0 {
			c.extended = extended
		}
	}
}

// WithObserver registers an observer for finished operations.
func WithObserver(o Observer) Option {
	return func(c *Center) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Center) {
		if l != nil {
			c.logger = l
		}
	}
}
