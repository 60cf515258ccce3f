package plugin

import (
	"log/slog"
	"sync"

	"github.com/netroby/scm-manager/pkg/logger"
)

// BusyIndicator is a progress notification the user cannot dismiss.
type BusyIndicator interface {
	Dismiss()
}

// Notifier renders progress and result notifications to the user.
type Notifier interface {
	// ShowBusy displays a busy indicator and returns a handle to dismiss it.
	ShowBusy(title, message string) BusyIndicator
	// Alert displays a modal acknowledgement.
	Alert(title, message string)
}

// FailureReporter renders a failed request to the user.
type FailureReporter interface {
	HandleFailure(statusCode int, title, message string)
}

// FailureReporterFunc adapts a function to FailureReporter.
type FailureReporterFunc func(statusCode int, title, message string)

// HandleFailure implements FailureReporter.
func (f FailureReporterFunc) HandleFailure(statusCode int, title, message string) {
	f(statusCode, title, message)
}

// onceIndicator makes Dismiss idempotent regardless of the wrapped indicator.
type onceIndicator struct {
	once  sync.Once
	inner BusyIndicator
}

func (o *onceIndicator) Dismiss() {
	o.once.Do(func() {
		if o.inner != nil {
			o.inner.Dismiss()
		}
	})
}

// LogNotifier writes notifications to the structured logger. It is the
// default Notifier and FailureReporter for headless use.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) log() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return logger.Named("plugin")
}

// ShowBusy implements Notifier.
func (n LogNotifier) ShowBusy(title, message string) BusyIndicator {
	l := n.log()
	l.Info(message, slog.String("title", title), slog.String("indicator", "shown"))
	return busyLog{logger: l, title: title, message: message}
}

// Alert implements Notifier.
func (n LogNotifier) Alert(title, message string) {
	n.log().Info(title, slog.String("message", message))
}

// HandleFailure implements FailureReporter.
func (n LogNotifier) HandleFailure(statusCode int, title, message string) {
	n.log().Error(message, slog.String("title", title), slog.Int("status", statusCode))
}

type busyLog struct {
	logger  *slog.Logger
	title   string
	message string
}

func (b busyLog) Dismiss() {
	b.logger.Debug(b.message, slog.String("title", b.title), slog.String("indicator", "dismissed"))
}

var (
	_ Notifier        = LogNotifier{}
	_ FailureReporter = LogNotifier{}
)
