// Package dispatch fans decoded PubSub events out to registered handlers.
//
// Every registration owns an unbounded FIFO queue and one worker
// goroutine. The route loop only appends to queues, so a slow handler
// delays its own queue and nothing else. Events of one topic reach a
// handler in the order the connection received them.
package dispatch
