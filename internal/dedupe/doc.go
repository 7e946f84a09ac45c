// Package dedupe provides the short-lived anti-loop caches used to recognise
// content this process produced itself.
//
// Cache is a TTL key set with insertion-ordered eviction. Guard composes
// three of them: the send cache consulted for network echoes, the recent
// agent output set, and the agent echo cache that tags re-delivered agent
// replies and drops exact reprocessing duplicates.
package dedupe
