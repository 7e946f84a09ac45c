// Package store provides persistent storage for the switchboard using SQLite.
//
// # Architecture
//
// Store is the single interface consumed by the session manager, router,
// scheduler and autopilot. SQLiteStore implements it on modernc.org/sqlite
// (no cgo); MockStore implements it in memory for unit tests.
//
// # Data Models
//
//   - Connection: a logical endpoint bound to one external messaging identity
//   - Message: append-only routed message, optionally produced by an agent
//   - Agent: automated responder bound to the connection it listens on
//   - ConversationPair: two connections eligible for autonomous small talk
//
// Optional identifiers (phone, sender, receiver, agent) use the empty string
// for "unknown" and are stored as NULL.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so that ORDER BY created_at
// is chronological.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrInvalid: validation failure, wrapped with a description
//   - ErrDuplicatePair: the two connections are already paired
//
// # Duplicates
//
// FindDuplicateMessages groups messages with the same sender, receiver and
// content created within DuplicateWindow of each other. RemoveDuplicateMessages
// keeps the oldest of each group, so a second run removes nothing.
package store
