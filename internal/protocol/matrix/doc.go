// Package matrix implements protocol.Adapter on top of Matrix accounts using
// mautrix-go.
//
// Each connection logs in as its own Matrix user. The Matrix user id plays the
// role of the connection's external address, direct-message rooms stand in
// for one-to-one chats, and the sync loop's copy of the account's own
// messages is surfaced as self-echo. Matrix has no QR pairing, so Connect
// always resumes: from a stored session blob, or by password login with
// credentials supplied by the caller.
package matrix
