package transport

import "context"

// Target addresses a chat (and optionally a thread inside it).
type Target struct {
	ChatID   int64
	ThreadID int
}

func (t Target) IsZero() bool { return t.ChatID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers plain text to a chat target.
type Sender interface {
	SendText(ctx context.Context, to Target, text string, opt *SendOptions) error
}

// Notification is one message routed through the notifier pipeline.
type Notification struct {
	// Channel groups notifications for dedup and diagnostics
	// (e.g. "task.failure").
	Channel  string
	Target   Target
	Text     string
	Priority int
	Options  *SendOptions
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to Target, text string, opt *SendOptions) error

func (f SenderFunc) SendText(ctx context.Context, to Target, text string, opt *SendOptions) error {
	return f(ctx, to, text, opt)
}
