// Package notify delivers task outcome notifications. It subscribes to
// the notification events on the bus and forwards them to a Sink, which
// owns presentation and opt-in/opt-out. The orchestration layer publishes
// outcome events without knowing whether anyone is listening.
package notify

import (
	"fmt"
	"io"

	"github.com/autoclaude/autoclaude/internal/event"
	"github.com/autoclaude/autoclaude/internal/logging"
)

// Sink receives task outcome notifications.
type Sink interface {
	TaskComplete(taskID, title string)
	TaskFailed(taskID, title, reason string)
	ReviewNeeded(taskID, title string)
}

// Notifier bridges notification events from the bus to a Sink.
type Notifier struct {
	bus    *event.Bus
	sink   Sink
	logger *logging.Logger
	subs   []uint64
}

// NewNotifier subscribes the sink to the notification events. Call Close
// to detach.
func NewNotifier(bus *event.Bus, sink Sink, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NopLogger()
	}
	n := &Notifier{bus: bus, sink: sink, logger: logger}

	n.subs = append(n.subs,
		bus.Subscribe("notify.task_complete", func(ev event.Event) {
			e := ev.(event.TaskCompleteEvent)
			n.logger.Debug("task complete notification", "task_id", e.TaskID)
			n.sink.TaskComplete(e.TaskID, e.Title)
		}),
		bus.Subscribe("notify.task_failed", func(ev event.Event) {
			e := ev.(event.TaskFailedEvent)
			n.logger.Debug("task failed notification", "task_id", e.TaskID)
			n.sink.TaskFailed(e.TaskID, e.Title, e.Reason)
		}),
		bus.Subscribe("notify.review_needed", func(ev event.Event) {
			e := ev.(event.ReviewNeededEvent)
			n.logger.Debug("review needed notification", "task_id", e.TaskID)
			n.sink.ReviewNeeded(e.TaskID, e.Title)
		}),
	)
	return n
}

// Close detaches the notifier from the bus.
func (n *Notifier) Close() {
	for _, id := range n.subs {
		n.bus.Unsubscribe(id)
	}
	n.subs = nil
}

// ConsoleSink prints notifications as single lines. Enabled defaults to
// on; a disabled sink drops everything silently.
type ConsoleSink struct {
	Out      io.Writer
	Disabled bool
}

// TaskComplete implements Sink.
func (s *ConsoleSink) TaskComplete(taskID, title string) {
	if s.Disabled {
		return
	}
	fmt.Fprintf(s.Out, "✓ %s complete (%s)\n", title, taskID)
}

// TaskFailed implements Sink.
func (s *ConsoleSink) TaskFailed(taskID, title, reason string) {
	if s.Disabled {
		return
	}
	fmt.Fprintf(s.Out, "✗ %s failed: %s (%s)\n", title, reason, taskID)
}

// ReviewNeeded implements Sink.
func (s *ConsoleSink) ReviewNeeded(taskID, title string) {
	if s.Disabled {
		return
	}
	fmt.Fprintf(s.Out, "● %s ready for review (%s)\n", title, taskID)
}
