// Package protocol defines the wire-level contract of the TaskWire
// task-dispatch protocol: message shapes, topic naming, and the error-kind
// discriminator.
//
// # Topics
//
// Each device owns four topics, parameterized by its device id:
//
//	devices/{device_id}/command  - orchestrator -> device invocations
//	devices/{device_id}/result   - device -> orchestrator results
//	devices/{device_id}/birth    - capability announcements
//	devices/{device_id}/death    - liveness notices (transport last-will target)
//
// Topic names are canonical and '/'-separated at the protocol level;
// transport adapters map them to their broker's subject syntax.
//
// # Payloads
//
// All messages are UTF-8 JSON. Senders never omit required fields;
// receivers ignore unknown fields so vendor extensions remain forward
// compatible.
//
// # Delivery
//
// The protocol assumes an at-least-once transport. Commands may be
// redelivered and results may race a caller's timeout; correlation ids are
// the only linkage between the two, and devices never invent them.
package protocol
