// Package notifier delivers short operator messages (action results, lease
// outcomes, failures) to the configured chat.
//
// Notify is fire-and-forget: messages are queued and a single worker sends
// them with rate limiting, retry with jittered backoff, and a dedup window
// that can be persisted in the shared store so several agents (or restarts)
// do not repeat the same alert.
package notifier
