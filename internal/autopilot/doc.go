// Package autopilot keeps agent conversations alive between idle pairs.
//
// Every Interval the Driver picks one active conversation pair at random.
// The pair qualifies only when both connections are connected, each is bound
// to a responsive agent, and the two have not exchanged a message within
// QuietWindow. A random starter line is then injected through the router as
// a human message from the pair's starter to the other side, so the
// receiving agent answers through the ordinary reply path.
//
// Starter lines come from a TOML file when one is configured:
//
//	starters = [
//	  "Oi, tudo bem?",
//	  "Seen any good movies lately?",
//	]
//
// Otherwise DefaultStarters is used.
package autopilot
