package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jobmesh/internal/task"
	"jobmesh/internal/transport"
	logx "jobmesh/pkg/logx"
)

// TaskEvent enqueues one message per recipient when t's policy wants ev.
// Unknown recipient names are logged and skipped.
func (s *Service) TaskEvent(ctx context.Context, t task.Task, ev task.NotifyEvent, detail string) error {
	if !t.Notify.Wants(ev) {
		return nil
	}
	s.mu.Lock()
	recipients := s.cfg.Recipients
	s.mu.Unlock()

	text := formatTaskEvent(t, ev, detail)
	var errs []error
	for _, name := range t.Notify.Recipients {
		to, ok := recipients[name]
		if !ok || to.IsZero() {
			s.log.Warn("unknown notify recipient", logx.String("task", t.ID), logx.String("recipient", name))
			continue
		}
		err := s.Notify(ctx, transport.Notification{
			Channel:  "task." + string(ev),
			Target:   to,
			Text:     text,
			Priority: priorityFor(ev),
		})
		if err != nil && !errors.Is(err, ErrDisabled) {
			errs = append(errs, fmt.Errorf("notify %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func priorityFor(ev task.NotifyEvent) int {
	switch ev {
	case task.NotifyFailure:
		return PriorityCritical
	case task.NotifyExceed:
		return PriorityWarn
	case task.NotifyEnd:
		return PriorityNotice
	default:
		return PriorityInfo
	}
}

func formatTaskEvent(t task.Task, ev task.NotifyEvent, detail string) string {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	var b strings.Builder
	switch ev {
	case task.NotifyStart:
		fmt.Fprintf(&b, "Task %q started", name)
	case task.NotifyEnd:
		fmt.Fprintf(&b, "Task %q finished", name)
	case task.NotifyExceed:
		fmt.Fprintf(&b, "Task %q is running longer than %s", name, t.Threshold.Std())
	case task.NotifyFailure:
		fmt.Fprintf(&b, "Task %q failed", name)
	}
	if t.Org != "" {
		fmt.Fprintf(&b, " (%s)", t.Org)
	}
	if detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	return b.String()
}

// SendTo enqueues a free-form message for a named recipient.
func (s *Service) SendTo(ctx context.Context, recipient, text string) error {
	s.mu.Lock()
	to, ok := s.cfg.Recipients[recipient]
	s.mu.Unlock()
	if !ok || to.IsZero() {
		return fmt.Errorf("notify: unknown recipient %q", recipient)
	}
	return s.Notify(ctx, transport.Notification{Channel: "action.notify", Target: to, Text: text, Priority: PriorityNotice})
}
