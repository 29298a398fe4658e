// Package events is a bounded, non-blocking side channel for task lifecycle
// instrumentation.
//
// Services call Emit at admission and transition boundaries. Emit never
// blocks the caller: events go into a fixed-size buffer and are handed to
// registered handlers by a single drain goroutine. When the buffer is full
// the event is dropped and counted.
package events
