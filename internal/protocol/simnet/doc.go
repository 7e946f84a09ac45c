// Package simnet is an in-memory messaging network implementing
// protocol.Adapter.
//
// Every connection is a device on the same simulated network. Connect hands
// out a handshake token which Pair completes with an address, the way a user
// scans a QR code with their phone. Sends are delivered to whichever device
// holds the destination address, and, like real networks, the sender's own
// device also sees a self-echo copy. External contacts are simulated with
// Receive; failures with Drop and FailNextSends.
package simnet
