// Package transport defines the outbound messaging contract used by the
// notifier and the log chat sink. Concrete transports live in subpackages.
package transport
