// Package agent schedules automated replies for agents bound to connections.
//
// # Overview
//
// Every routed message is offered to the Scheduler. The agent bound to the
// receiving connection answers it unless the agent is inactive or paused, or
// the message is that same agent's own output. Output from a different agent
// is answered, which is how two agents keep a conversation going.
//
// # Tasks
//
// A reply is a Task that fires after the agent's response delay:
//
//	task, err := sched.HandleMessage(ctx, msg)
//	...
//	task.Cancel()
//
// Pending tasks are tracked per agent so CancelAgent can drop them when the
// agent is paused or deleted. A task that has already fired is not
// interrupted; its messages stay in history even if delivery later fails.
//
// # Firing
//
// When a task fires the scheduler re-reads the agent, gathers up to
// MemorySize prior messages between the two connections when the agent uses
// memory, and asks the completion Generator for reply parts. Each part is
// stored, recorded in the anti-loop Guard before it is sent, delivered to the
// original sender's address and then offered back to the scheduler on behalf
// of the receiving connection. Parts are spaced by PartInterval.
//
// Panics and errors inside a task are logged with the agent id and never
// affect other tasks.
package agent
