// Package daemon runs reconciliation cycles continuously.
//
// The Scheduler calls a sync.Runner on a fixed interval, one cycle at a time:
//
//	Start/Run ──► cycle ──► ERROR? ──► wait RetryDelay ──► cycle ... (MaxRetries)
//	    ▲                      │
//	    └── next tick ◄────────┘ SUCCESS / PARTIAL / retries exhausted
//
// Trigger requests an early cycle, and the Watcher uses it to react to
// changes of a directory-backed source. Stop cancels the loop; a cycle in
// flight sees the cancellation (validation aborts, propagation stops
// between leads) and the loop exits once it returns, or Stop gives up after
// ShutdownTimeout.
package daemon
