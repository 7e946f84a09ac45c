// Package events carries the notifications the switchboard emits for UI and
// API consumers: connection status changes, handshake tokens, routed
// messages, agent replies and deduplication runs.
//
// Components publish through the Publisher interface. Broadcaster fans each
// event out to in-memory subscribers without ever blocking the publisher;
// a subscriber whose buffer is full misses events rather than stalling the
// router.
package events
