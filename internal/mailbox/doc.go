// Package mailbox serializes message delivery for one logical agent
// instance: an unbounded FIFO fed from any goroutine, drained by a single
// pump that invokes the agent's handlers in arrival order.
package mailbox
