// Package worker provides a generic bounded worker pool.
//
// The pool runs a fixed number of goroutines draining a bounded queue.
// Submit is non-blocking: a full queue returns ErrQueueFull so callers get
// a backpressure signal instead of unbounded buffering. The device agent
// uses a pool to offload task execution so slow tasks do not block command
// delivery.
//
// Statistics are always tracked with atomics; Prometheus metrics are
// opt-in through WithMetricsRegistry.
package worker
