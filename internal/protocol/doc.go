// Package protocol defines the contract between the switchboard and the
// external messaging network.
//
// An Adapter owns the live sessions for many connections, keyed by connection
// id. It never calls back into the switchboard; lifecycle changes and inbound
// traffic are published on a single typed Event channel, consumed in arrival
// order by one dispatcher goroutine.
//
// Implementations live in subpackages: simnet is an in-memory network used
// by tests and demos, matrix bridges connections to Matrix accounts.
package protocol
