// Package notifier delivers operator messages about task runs.
//
// Messages are queued and sent by a small worker pool through a
// transport.Sender (Telegram in production). Sends are rate limited,
// retried with jittered backoff and deduplicated inside a window so a
// flapping task cannot flood a chat. Dedup keys can be persisted to the
// store to survive restarts.
//
// TaskEvent maps a task's notify policy and recipient names to concrete
// notifications.
package notifier
