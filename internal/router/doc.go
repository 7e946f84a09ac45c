// Package router classifies inbound messages and routes inter-connection
// traffic to storage and the agent scheduler.
//
// Route applies, in order:
//
//  1. resolve the sender address against connected connections
//  2. drop external noise (unknown sender)
//  3. drop self-echoes of a connection's own outbound traffic
//  4. drop network echoes of content this process just sent
//  5. tag re-delivered agent output and drop exact reprocessing duplicates
//  6. persist, emit message-routed and offer the message to the scheduler
//
// Every call returns an Outcome so suppression is observable. Suppressions
// are control flow, not errors, and log at debug level.
//
// Inject is the entry point for locally originated messages such as the
// autopilot's conversation starters: the message is stored, recorded in the
// send cache, handed to the scheduler and delivered, so its network echo is
// recognised when it comes back.
package router
