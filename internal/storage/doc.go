// Package storage persists tasks, run statuses, time ranges and notifier
// dedup state.
//
// Backends: memory (tests, single node), file (jsonl journal + snapshot)
// and sqlite.
package storage
