// Package taskwire implements a request/response task-execution protocol
// for device fleets over asynchronous at-least-once pub/sub.
//
// # Architecture
//
// TaskWire connects two roles through a broker:
//
// Device agents (package device) own a task registry, announce their
// capabilities on a birth topic when they connect, execute commands
// addressed to them, and publish correlated results. A last-will death
// notice marks a device offline when its connection is lost.
//
// Orchestrators (package orchestrator) discover device capabilities from
// birth announcements, invoke tasks by publishing commands, and correlate
// the asynchronous results back to callers. A directory tracks which
// devices are online and what they can do.
//
// The wire protocol (package protocol) is transport agnostic: topics of
// the form devices/{id}/{command,result,birth,death} carry JSON message
// envelopes. Package transport defines the pub/sub contract; the NATS
// implementation (transport/natstransport) maps topics onto subjects,
// uses JetStream for at-least-once command and result delivery, and
// emulates last-will notices with liveness heartbeats. An in-memory
// broker (transport/memtransport) serves tests.
//
// Supporting packages follow the same layering: task holds the registry
// and parameter validation, gateway streams protocol events to websocket
// clients for monitoring, and errors, metric, health, and config provide
// the ambient infrastructure shared by the binaries under cmd.
//
// # Delivery Semantics
//
// Commands and results ride at-least-once delivery: a task may execute
// more than once when the broker redelivers, and callers are expected to
// make tasks idempotent or tolerate duplicates. Invocation timeouts are
// local to the orchestrator; a timed-out task may still run to completion
// on the device, and its late result is dropped as an orphan.
package taskwire
