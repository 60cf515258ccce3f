package view

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/pkg/plugin"
)

type stubSource struct {
	mu      sync.Mutex
	records []plugin.Record
	err     error
	calls   atomic.Int32
}

func (s *stubSource) Overview(context.Context) ([]plugin.Record, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]plugin.Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *stubSource) set(records []plugin.Record, err error) {
	s.mu.Lock()
	s.records, s.err = records, err
	s.mu.Unlock()
}

type okTransport struct{}

func (okTransport) Post(context.Context, string) error { return nil }

type failingTransport struct{}

func (failingTransport) Post(context.Context, string) error { return errors.New("offline") }

func quietCenter(transport plugin.Transport) *plugin.Center {
	noop := plugin.FailureReporterFunc(func(int, string, string) {})
	return plugin.NewCenter(transport, plugin.WithFailureReporter(noop))
}

func sampleRecords() []plugin.Record {
	return []plugin.Record{
		{GroupID: "sonia.plugin", ArtifactID: "svn-plugin", Version: "2.1", Name: "Subversion", State: plugin.StateUpdateAvailable},
		{GroupID: "sonia.plugin", ArtifactID: "git-plugin", Version: "1.0", Name: "Git", State: plugin.StateAvailable},
		{GroupID: "sonia.plugin", ArtifactID: "hg-plugin", Version: "1.3", Name: "Mercurial", State: plugin.StateInstalled},
		{GroupID: "sonia.plugin", ArtifactID: "legacy", Version: "0.1", Name: "Legacy", State: plugin.State("CORRUPT")},
	}
}

func TestReloadSortsByNameAndAssignsActions(t *testing.T) {
	source := &stubSource{records: sampleRecords()}
	list := NewPluginList(quietCenter(okTransport{}), source)

	require.NoError(t, list.Reload(context.Background()))
	rows := list.Rows()
	require.Len(t, rows, 4)

	names := []string{rows[0].Name, rows[1].Name, rows[2].Name, rows[3].Name}
	assert.Equal(t, []string{"Git", "Legacy", "Mercurial", "Subversion"}, names)
	assert.Equal(t, "sonia.plugin:git-plugin:1.0", rows[0].PluginID)
	assert.Equal(t, plugin.ActionsFor(plugin.StateAvailable), rows[0].Actions)
	assert.Nil(t, rows[1].Actions, "unknown states are carried without actions")
	assert.Equal(t, []plugin.Action{
		{Label: "Update", Operation: plugin.OperationUpdate},
		{Label: "Uninstall", Operation: plugin.OperationUninstall},
	}, rows[3].Actions)

	loaded, at := list.Loaded()
	assert.True(t, loaded)
	assert.False(t, at.IsZero())
}

func TestChangedEventTriggersExactlyOneReload(t *testing.T) {
	source := &stubSource{records: sampleRecords()}
	center := quietCenter(okTransport{})
	var observed atomic.Int32
	list := NewPluginList(center, source, WithReloadObserver(func(error) { observed.Add(1) }))

	for _, op := range plugin.Operations() {
		require.NoError(t, center.Run(context.Background(), op, "sonia.plugin:git-plugin:1.0").Wait(context.Background()))
		list.Wait()
	}

	assert.Equal(t, int32(3), source.calls.Load(), "one reload per changed event, whatever the specific kind")
	assert.Equal(t, int32(3), observed.Load())
	assert.Len(t, list.Rows(), 4)
}

func TestFailedOperationDoesNotReload(t *testing.T) {
	source := &stubSource{records: sampleRecords()}
	center := quietCenter(failingTransport{})
	list := NewPluginList(center, source)

	require.Error(t, center.Install(context.Background(), "g:a:1").Wait(context.Background()))
	list.Wait()
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestReloadFailureKeepsPreviousRows(t *testing.T) {
	source := &stubSource{records: sampleRecords()}
	list := NewPluginList(quietCenter(okTransport{}), source)
	require.NoError(t, list.Reload(context.Background()))

	source.set(nil, errors.New("server down"))
	require.Error(t, list.Reload(context.Background()))
	assert.Len(t, list.Rows(), 4)
}

func TestInvokeValidatesAgainstRowState(t *testing.T) {
	source := &stubSource{records: sampleRecords()}
	center := quietCenter(okTransport{})
	list := NewPluginList(center, source, WithReloadTimeout(time.Second))
	require.NoError(t, list.Reload(context.Background()))

	_, err := list.Invoke(context.Background(), "sonia.plugin:missing:9", plugin.OperationInstall)
	assert.Equal(t, xerrors.CodePluginNotFound, xerrors.CodeOf(err))

	_, err = list.Invoke(context.Background(), "sonia.plugin:git-plugin:1.0", plugin.OperationUpdate)
	assert.Equal(t, xerrors.CodePluginInvalidTransition, xerrors.CodeOf(err))

	_, err = list.Invoke(context.Background(), "sonia.plugin:legacy:0.1", plugin.OperationUninstall)
	assert.Equal(t, xerrors.CodePluginInvalidTransition, xerrors.CodeOf(err))

	pending, err := list.Invoke(context.Background(), "sonia.plugin:svn-plugin:2.1", plugin.OperationUpdate)
	require.NoError(t, err)
	require.NoError(t, pending.Wait(context.Background()))
	list.Wait()
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestFind(t *testing.T) {
	list := NewPluginList(quietCenter(okTransport{}), &stubSource{records: sampleRecords()})
	_, ok := list.Find("sonia.plugin:git-plugin:1.0")
	assert.False(t, ok, "nothing is cached before the first reload")

	require.NoError(t, list.Reload(context.Background()))
	row, ok := list.Find("sonia.plugin:hg-plugin:1.3")
	require.True(t, ok)
	assert.Equal(t, plugin.StateInstalled, row.State)
}

// gatedSource 的第一次调用阻塞到 release 关闭，之后的调用立即返回新的状态。
type gatedSource struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSource) Overview(context.Context) ([]plugin.Record, error) {
	record := plugin.Record{GroupID: "sonia.plugin", ArtifactID: "git-plugin", Version: "1.0", Name: "Git"}
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
		record.State = plugin.StateAvailable
		return []plugin.Record{record}, nil
	}
	record.State = plugin.StateInstalled
	return []plugin.Record{record}, nil
}

func TestSlowEarlierReloadDoesNotOverwriteNewerRows(t *testing.T) {
	source := newGatedSource()
	finished := make(chan error, 2)
	center := quietCenter(okTransport{})
	list := NewPluginList(center, source, WithReloadObserver(func(err error) { finished <- err }))

	require.NoError(t, center.Install(context.Background(), "sonia.plugin:git-plugin:1.0").Wait(context.Background()))
	<-source.entered

	require.NoError(t, center.Install(context.Background(), "sonia.plugin:git-plugin:1.0").Wait(context.Background()))
	require.NoError(t, <-finished)

	close(source.release)
	list.Wait()
	require.NoError(t, <-finished)

	row, ok := list.Find("sonia.plugin:git-plugin:1.0")
	require.True(t, ok)
	assert.Equal(t, plugin.StateInstalled, row.State, "the older overview must not replace the newer one")
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestSlowEarlierExplicitReloadIsDropped(t *testing.T) {
	source := newGatedSource()
	list := NewPluginList(quietCenter(okTransport{}), source)

	first := make(chan error, 1)
	go func() { first <- list.Reload(context.Background()) }()
	<-source.entered

	require.NoError(t, list.Reload(context.Background()))
	close(source.release)
	require.NoError(t, <-first)

	rows := list.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, plugin.StateInstalled, rows[0].State)
}
