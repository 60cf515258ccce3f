package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusError) HTTPStatus() int { return e.code }

// journal records every interaction of the Center with its collaborators in
// the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

type fakeTransport struct {
	j         *journal
	err       error
	mu        sync.Mutex
	endpoints []string
	deadlines []time.Duration
	release   chan struct{}
}

func (f *fakeTransport) Post(ctx context.Context, endpoint string) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.endpoints = append(f.endpoints, endpoint)
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(deadline))
	}
	f.mu.Unlock()
	f.j.add("post %s", endpoint)
	return f.err
}

type fakeIndicator struct {
	j     *journal
	mu    sync.Mutex
	count int
}

func (f *fakeIndicator) Dismiss() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	f.j.add("dismiss")
}

func (f *fakeIndicator) dismissals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeNotifier struct {
	j          *journal
	mu         sync.Mutex
	indicators []*fakeIndicator
}

func (f *fakeNotifier) ShowBusy(title, message string) BusyIndicator {
	ind := &fakeIndicator{j: f.j}
	f.mu.Lock()
	f.indicators = append(f.indicators, ind)
	f.mu.Unlock()
	f.j.add("busy %s|%s", title, message)
	return ind
}

func (f *fakeNotifier) Alert(title, message string) {
	f.j.add("alert %s|%s", title, message)
}

type failureCall struct {
	status         int
	title, message string
}

type fakeFailures struct {
	j     *journal
	mu    sync.Mutex
	calls []failureCall
}

func (f *fakeFailures) HandleFailure(status int, title, message string) {
	f.mu.Lock()
	f.calls = append(f.calls, failureCall{status, title, message})
	f.mu.Unlock()
	f.j.add("failure %d|%s|%s", status, title, message)
}

type fixture struct {
	j         *journal
	transport *fakeTransport
	notifier  *fakeNotifier
	failures  *fakeFailures
	center    *Center
	mu        sync.Mutex
	events    []Event
}

func newFixture(t *testing.T, transportErr error, opts ...Option) *fixture {
	t.Helper()
	j := &journal{}
	f := &fixture{
		j:         j,
		transport: &fakeTransport{j: j, err: transportErr},
		notifier:  &fakeNotifier{j: j},
		failures:  &fakeFailures{j: j},
	}
	all := append([]Option{WithNotifier(f.notifier), WithFailureReporter(f.failures)}, opts...)
	f.center = NewCenter(f.transport, all...)
	f.center.Subscribe(func(e Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
		j.add("event %s %s", e.Kind, e.PluginID)
	})
	return f
}

func (f *fixture) recorded() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func waitPending(t *testing.T, p *Pending) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-p.Done():
		return p.Err()
	case <-ctx.Done():
		t.Fatalf("operation %s %s did not complete", p.Operation, p.PluginID)
		return nil
	}
}

func TestInstallSuccessEmitsInstalledThenChanged(t *testing.T) {
	f := newFixture(t, nil)
	const id = "sonia.plugin:git-plugin:1.0"

	err := waitPending(t, f.center.Install(context.Background(), id))
	require.NoError(t, err)

	assert.Equal(t, []Event{
		{Kind: EventInstalled, PluginID: id},
		{Kind: EventChanged, PluginID: id},
	}, f.recorded())
	assert.Equal(t, []string{
		"busy Please wait|Installing Plugin.",
		"post plugins/install/" + id + ".json",
		"dismiss",
		"alert Plugin successfully installed|Restart the applicationserver to activate the plugin.",
		"event installed " + id,
		"event changed " + id,
	}, f.j.list())
	assert.Empty(t, f.failures.calls)
}

func TestUninstallServerFailureReportsStatus(t *testing.T) {
	f := newFixture(t, statusError{code: 500})
	const id = "sonia.plugin:svn-plugin:2.1"

	err := waitPending(t, f.center.Uninstall(context.Background(), id))
	require.Error(t, err)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 500, opErr.StatusCode)
	assert.Equal(t, OperationUninstall, opErr.Operation)
	assert.Equal(t, 500, StatusCode(err))

	assert.Empty(t, f.recorded())
	assert.Equal(t, []failureCall{{500, "Error", "Plugin uninstallation failed"}}, f.failures.calls)
	assert.Equal(t, []string{
		"busy Please wait|Uninstalling Plugin.",
		"post plugins/uninstall/" + id + ".json",
		"dismiss",
		"failure 500|Error|Plugin uninstallation failed",
	}, f.j.list())
}

func TestTransportFailureReportsZeroStatus(t *testing.T) {
	f := newFixture(t, errors.New("connection refused"))

	err := waitPending(t, f.center.Update(context.Background(), "g:a:1"))
	require.Error(t, err)
	assert.Equal(t, 0, StatusCode(err))
	require.Len(t, f.failures.calls, 1)
	assert.Equal(t, 0, f.failures.calls[0].status)
	assert.Equal(t, "Plugin update failed", f.failures.calls[0].message)
	assert.Empty(t, f.recorded())
}

func TestEveryOperationEmitsSpecificThenChanged(t *testing.T) {
	cases := map[Operation]EventKind{
		OperationInstall:   EventInstalled,
		OperationUninstall: EventUninstalled,
		OperationUpdate:    EventUpdated,
	}
	for op, kind := range cases {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, waitPending(t, f.center.Run(context.Background(), op, "g:a:2")))
			assert.Equal(t, []Event{
				{Kind: kind, PluginID: "g:a:2"},
				{Kind: EventChanged, PluginID: "g:a:2"},
			}, f.recorded())
			assert.Equal(t, []string{"plugins/" + string(op) + "/g:a:2.json"}, f.transport.endpoints)
		})
	}
}

func TestBusyIndicatorDismissedOnce(t *testing.T) {
	for _, transportErr := range []error{nil, statusError{code: 404}} {
		f := newFixture(t, transportErr)
		_ = waitPending(t, f.center.Install(context.Background(), "g:a:1"))
		require.Len(t, f.notifier.indicators, 1)
		assert.Equal(t, 1, f.notifier.indicators[0].dismissals())
	}
}

func TestOnceIndicatorIgnoresRepeatedDismiss(t *testing.T) {
	inner := &fakeIndicator{j: &journal{}}
	ind := &onceIndicator{inner: inner}
	ind.Dismiss()
	ind.Dismiss()
	assert.Equal(t, 1, inner.dismissals())

	empty := &onceIndicator{}
	assert.NotPanics(t, empty.Dismiss)
}

func TestBusyShownBeforeDispatchReturns(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.release = make(chan struct{})

	pending := f.center.Install(context.Background(), "g:a:1")
	assert.Equal(t, []string{"busy Please wait|Installing Plugin."}, f.j.list())
	select {
	case <-pending.Done():
		t.Fatal("operation completed before the transport answered")
	default:
	}

	close(f.transport.release)
	require.NoError(t, waitPending(t, pending))
}

func TestTimeoutsFollowOperation(t *testing.T) {
	f := newFixture(t, nil, WithTimeouts(time.Minute, time.Hour))
	ctx := context.Background()
	require.NoError(t, waitPending(t, f.center.Uninstall(ctx, "g:a:1")))
	require.NoError(t, waitPending(t, f.center.Install(ctx, "g:a:1")))
	require.NoError(t, waitPending(t, f.center.Update(ctx, "g:a:1")))

	require.Len(t, f.transport.deadlines, 3)
	assert.LessOrEqual(t, f.transport.deadlines[0], time.Minute)
	assert.Greater(t, f.transport.deadlines[0], 50*time.Second)
	assert.Greater(t, f.transport.deadlines[1], 50*time.Minute)
	assert.Greater(t, f.transport.deadlines[2], 50*time.Minute)
}

func TestCallerCancellationDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	pending := f.center.Install(ctx, "g:a:1")
	cancel()

	assert.ErrorIs(t, pending.Wait(ctx), context.Canceled)
	close(f.transport.release)
	require.NoError(t, waitPending(t, pending))
	assert.Len(t, f.recorded(), 2)
}

func TestEmptyPluginIDIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	pending := f.center.Install(context.Background(), "")
	assert.ErrorIs(t, waitPending(t, pending), ErrEmptyPluginID)
	assert.Empty(t, f.j.list())
	assert.Empty(t, f.transport.endpoints)
}

func TestUnknownOperationIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	err := waitPending(t, f.center.Run(context.Background(), Operation("purge"), "g:a:1"))
	require.Error(t, err)
	assert.Empty(t, f.j.list())
}

func TestMissingTransport(t *testing.T) {
	c := NewCenter(nil)
	assert.ErrorIs(t, waitPending(t, c.Install(context.Background(), "g:a:1")), ErrNoTransport)
}

func TestSubscribersCalledInRegistrationOrder(t *testing.T) {
	f := newFixture(t, nil)
	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"first", "second", "third"} {
		name := name
		f.center.Subscribe(func(e Event) {
			mu.Lock()
			order = append(order, name+":"+string(e.Kind))
			mu.Unlock()
		}, EventChanged)
	}

	require.NoError(t, waitPending(t, f.center.Uninstall(context.Background(), "g:a:1")))
	assert.Equal(t, []string{"first:changed", "second:changed", "third:changed"}, order)
}

func TestSubscribeIgnoresNilListener(t *testing.T) {
	f := newFixture(t, nil)
	f.center.Subscribe(nil)
	require.NoError(t, waitPending(t, f.center.Install(context.Background(), "g:a:1")))
	assert.Len(t, f.recorded(), 2)
}

func TestObserversSeeOutcome(t *testing.T) {
	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	observer := ObserverFunc(func(_ context.Context, o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})
	f := newFixture(t, statusError{code: 503}, WithObserver(observer))

	pending := f.center.Update(context.Background(), "g:a:3")
	require.Error(t, waitPending(t, pending))

	require.Len(t, outcomes, 1)
	got := outcomes[0]
	assert.Equal(t, pending.ID, got.OperationID)
	assert.Equal(t, OperationUpdate, got.Operation)
	assert.Equal(t, 503, got.StatusCode)
	assert.False(t, got.Succeeded())
	assert.GreaterOrEqual(t, got.Duration(), time.Duration(0))
}

func TestCenterWaitDrainsInflight(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.center.Install(context.Background(), fmt.Sprintf("g:a:%d", i))
	}
	f.center.Wait()
	assert.Len(t, f.recorded(), 10)
}

func TestCustomMessagesFallBackToDefaults(t *testing.T) {
	f := newFixture(t, statusError{code: 400}, WithMessages(Messages{
		ErrorTitle: "Fehler",
		Install:    OperationMessages{Failed: "Installation fehlgeschlagen"},
	}))

	require.Error(t, waitPending(t, f.center.Install(context.Background(), "g:a:1")))
	assert.Equal(t, []string{
		"busy Please wait|Installing Plugin.",
		"post plugins/install/g:a:1.json",
		"dismiss",
		"failure 400|Fehler|Installation fehlgeschlagen",
	}, f.j.list())
}
