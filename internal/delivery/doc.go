// Package delivery sends outbound text through a protocol adapter.
//
// A send first waits for the source connection to report ready, polling the
// adapter until ReadyTimeout elapses. It then makes MaxRetries+1 attempts with
// exponential backoff starting at BaseBackoff (2s, 4s, 8s with the defaults).
// An attempt on a connection that is still not ready is skipped and counts as
// a failure.
//
// Exhausted retries return ErrDeliveryFailed wrapping the last cause, which is
// ErrNotReady when the connection never came up. Callers
// log them and move on; an undelivered message stays in the store with
// Delivered unset.
package delivery
