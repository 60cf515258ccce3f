package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netroby/scm-manager/pkg/logger"
)

const (
	// DefaultTimeout bounds uninstall requests.
	DefaultTimeout = 30 * time.Second
	// ExtendedTimeout bounds install and update requests, which download
	// artifacts and may restart parts of the server.
	ExtendedTimeout = 5 * time.Minute
)

var (
	// ErrEmptyPluginID is returned for operations without a plugin identifier.
	ErrEmptyPluginID = errors.New("plugin id cannot be empty")
	// ErrNoTransport is returned when the Center was built without a Transport.
	ErrNoTransport = errors.New("plugin transport is not configured")
)

// OperationError reports a failed lifecycle operation.
type OperationError struct {
	Operation  Operation
	PluginID   string
	StatusCode int
	Err        error
}

func (e *OperationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed with status %d: %v", e.Operation, e.PluginID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Operation, e.PluginID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code reported by the server, or 0.
func (e *OperationError) HTTPStatus() int { return e.StatusCode }

// Pending is the handle of a dispatched operation.
type Pending struct {
	ID        string
	Operation Operation
	PluginID  string

	done chan struct{}
	err  error
}

func newPending(op Operation, pluginID string) *Pending {
	return &Pending{
		ID:        uuid.NewString(),
		Operation: op,
		PluginID:  pluginID,
		done:      make(chan struct{}),
	}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the operation has completed and all notifications and
// events have been delivered.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the operation error after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx ends. An ended ctx does
// not abort the operation.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Center drives plugin install, uninstall and update requests against the
// server, shows progress and results, and tells subscribers about changes.
// The server owns plugin state; the Center keeps none and does not check that
// an operation is valid for a plugin's current state.
type Center struct {
	transport Transport
	notifier  Notifier
	failures  FailureReporter
	messages  Messages
	timeout   time.Duration
	extended  time.Duration
	observers []Observer
	logger    *slog.Logger

	events   emitter
	inflight sync.WaitGroup
}

// NewCenter constructs a Center issuing requests through transport.
func NewCenter(transport Transport, opts ...Option) *Center {
	c := &Center{
		transport: transport,
		notifier:  LogNotifier{},
		failures:  LogNotifier{},
		messages:  DefaultMessages(),
		timeout:   DefaultTimeout,
		extended:  ExtendedTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("plugin_center")
	}
	return c
}

// Subscribe registers fn for the given event kinds, or for all kinds when
// none are given. There is no unsubscribe.
func (c *Center) Subscribe(fn Listener, kinds ...EventKind) {
	c.events.subscribe(fn, kinds...)
}

// Install dispatches the installation of pluginID.
func (c *Center) Install(ctx context.Context, pluginID string) *Pending {
	return c.dispatch(ctx, OperationInstall, pluginID)
}

// Uninstall dispatches the removal of pluginID.
func (c *Center) Uninstall(ctx context.Context, pluginID string) *Pending {
	return c.dispatch(ctx, OperationUninstall, pluginID)
}

// Update dispatches the update of pluginID to the release it names.
func (c *Center) Update(ctx context.Context, pluginID string) *Pending {
	return c.dispatch(ctx, OperationUpdate, pluginID)
}

// Run dispatches op for pluginID.
func (c *Center) Run(ctx context.Context, op Operation, pluginID string) *Pending {
	return c.dispatch(ctx, op, pluginID)
}

// Wait blocks until every dispatched operation has completed.
func (c *Center) Wait() {
	c.inflight.Wait()
}

func (c *Center) timeoutFor(op Operation) time.Duration {
	if op.Extended() {
		return c.extended
	}
	return c.timeout
}

// dispatch shows the busy indicator, then hands the request to a goroutine.
// The goroutine dismisses the indicator before reporting the result, so the
// indicator and the result are never visible together.
func (c *Center) dispatch(ctx context.Context, op Operation, pluginID string) *Pending {
	pending := newPending(op, pluginID)
	if pluginID == "" {
		pending.finish(ErrEmptyPluginID)
		return pending
	}
	if c.transport == nil {
		pending.finish(ErrNoTransport)
		return pending
	}
	if _, ok := ParseOperation(string(op)); !ok {
		pending.finish(fmt.Errorf("unknown plugin operation %q", op))
		return pending
	}

	text := c.messages.For(op)
	c.logger.Debug(string(op)+" plugin", slog.String("plugin_id", pluginID), slog.String("operation_id", pending.ID))

	busy := &onceIndicator{inner: c.notifier.ShowBusy(c.messages.WaitTitle, text.Wait)}

	// The caller cannot abort a dispatched operation; only the timeout can.
	base := context.WithoutCancel(ctx)
	reqCtx, cancel := context.WithTimeout(base, c.timeoutFor(op))
	started := time.Now()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		err := c.transport.Post(reqCtx, op.Endpoint(pluginID))
		cancel()
		busy.Dismiss()

		outcome := Outcome{
			OperationID: pending.ID,
			Operation:   op,
			PluginID:    pluginID,
			StartedAt:   started,
			FinishedAt:  time.Now(),
		}
		if err != nil {
			status := StatusCode(err)
			c.logger.Debug(text.Failed, slog.String("plugin_id", pluginID), slog.Int("status", status), slog.Any("error", err))
			c.failures.HandleFailure(status, c.messages.ErrorTitle, text.Failed)
			outcome.StatusCode = status
			outcome.Err = &OperationError{Operation: op, PluginID: pluginID, StatusCode: status, Err: err}
		} else {
			c.logger.Debug(text.Success, slog.String("plugin_id", pluginID))
			c.notifier.Alert(text.Success, c.messages.Restart)
			c.events.emit(Event{Kind: op.EventKind(), PluginID: pluginID})
			c.events.emit(Event{Kind: EventChanged, PluginID: pluginID})
		}

		c.audit(outcome)
		for _, o := range c.observers {
			o.OperationFinished(base, outcome)
		}
		pending.finish(outcome.Err)
	}()
	return pending
}

func (c *Center) audit(outcome Outcome) {
	attrs := []any{
		slog.String("operation_id", outcome.OperationID),
		slog.String("operation", string(outcome.Operation)),
		slog.String("plugin_id", outcome.PluginID),
		slog.Int64("duration_ms", outcome.Duration().Milliseconds()),
	}
	if outcome.Err != nil {
		attrs = append(attrs, slog.Int("status", outcome.StatusCode), slog.String("error", outcome.Err.Error()))
		logger.Audit().Warn("plugin operation failed", attrs...)
		return
	}
	logger.Audit().Info("plugin operation succeeded", attrs...)
}
