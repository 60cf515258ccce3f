package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/netroby/scm-manager/pkg/plugin"
)

// terminalNotifier 在终端渲染忙碌提示和结果：提示与成功信息写到 out，
// 失败信息写到 errOut。
type terminalNotifier struct {
	out    io.Writer
	errOut io.Writer

	mu       sync.Mutex
	failures int
}

func newTerminalNotifier(out, errOut io.Writer) *terminalNotifier {
	return &terminalNotifier{out: out, errOut: errOut}
}

// ShowBusy 启动一个不确定进度的进度条，直到 Dismiss 被调用。
func (n *terminalNotifier) ShowBusy(title, message string) plugin.BusyIndicator {
	pw := progress.NewWriter()
	pw.SetOutputWriter(n.out)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetAutoStop(true)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.Style().Visibility.ETA = false
	pw.Style().Visibility.Percentage = false
	pw.Style().Visibility.Value = false

	tracker := &progress.Tracker{Message: title + ": " + message}
	pw.AppendTracker(tracker)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.Render()
	}()
	return &terminalBusy{tracker: tracker, done: done}
}

// Alert 打印成功提示。
func (n *terminalNotifier) Alert(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.out, text.FgGreen.Sprint(title))
	fmt.Fprintln(n.out, message)
}

// HandleFailure 将失败信息写到错误输出。
func (n *terminalNotifier) HandleFailure(statusCode int, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
	if statusCode > 0 {
		fmt.Fprintf(n.errOut, "%s: %s (HTTP %d)\n", text.FgRed.Sprint(title), message, statusCode)
		return
	}
	fmt.Fprintf(n.errOut, "%s: %s (server unreachable)\n", text.FgRed.Sprint(title), message)
}

// Failures 返回已报告的失败次数。
func (n *terminalNotifier) Failures() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures
}

type terminalBusy struct {
	once    sync.Once
	tracker *progress.Tracker
	done    chan struct{}
}

// Dismiss 结束进度条并等待最后一帧渲染完成。
func (b *terminalBusy) Dismiss() {
	b.once.Do(func() {
		b.tracker.MarkAsDone()
		<-b.done
	})
}

var (
	_ plugin.Notifier        = (*terminalNotifier)(nil)
	_ plugin.FailureReporter = (*terminalNotifier)(nil)
)
