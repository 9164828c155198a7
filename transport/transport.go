// Package transport defines the abstract pub/sub primitive the TaskWire
// protocol runs over: topic-based publish/subscribe with configurable
// delivery quality and last-will support. Concrete adapters live in
// subpackages (memtransport for in-process use, natstransport for NATS).
package transport

import (
	"context"
	"strings"
)

// DeliveryQuality selects how hard the transport tries to deliver a
// message.
type DeliveryQuality int

const (
	// AtMostOnce is fire-and-forget: the message may be lost on connection
	// failure and is never retried.
	AtMostOnce DeliveryQuality = iota
	// AtLeastOnce retries publication within the adapter's retry budget
	// until the broker acknowledges it. The message may be delivered more
	// than once but is never silently dropped under normal operation.
	AtLeastOnce
)

// String returns the string representation of DeliveryQuality.
func (q DeliveryQuality) String() string {
	switch q {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	default:
		return "unknown"
	}
}

// ConnectionStatus represents the state of a transport connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// LastWill is a message the broker (or the adapter emulating broker
// behavior) publishes on the sender's behalf when the connection drops
// without a clean disconnect.
type LastWill struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound messages. Handlers on one connection run to
// completion before the next message on that connection is processed;
// implementations that need concurrency must offload explicitly.
type Handler func(ctx context.Context, topic string, payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	// Topic returns the pattern this subscription was created with.
	Topic() string
	// Unsubscribe stops delivery to this subscription's handler.
	Unsubscribe() error
}

// Transport is the reliable pub/sub primitive the protocol core consumes.
// Adapters own connection lifecycle, automatic reconnect with exponential
// backoff, and re-establishing subscriptions before resignaling readiness.
type Transport interface {
	// Connect establishes the connection. The identity scopes the
	// connection (and its liveness) to one logical client; the optional
	// will is registered for abnormal-disconnect notification.
	Connect(ctx context.Context, identity string, will *LastWill) error

	// Publish sends a payload to a topic. It blocks until the transport
	// accepts the message; with AtLeastOnce it retries transient failures
	// within the adapter's budget and surfaces DeliveryFailed on
	// exhaustion.
	Publish(ctx context.Context, topic string, payload []byte, qos DeliveryQuality) error

	// Subscribe registers a handler for all topics matching pattern.
	// Patterns use '/' separators and '*' to match exactly one segment.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	// Disconnect closes the connection. A clean disconnect suppresses the
	// last will; an unclean one lets it fire.
	Disconnect(ctx context.Context, clean bool) error

	// Status reports the current connection state.
	Status() ConnectionStatus

	// OnHealthChange registers a callback invoked when the connection
	// becomes healthy or unhealthy.
	OnHealthChange(fn func(healthy bool))
}

// MatchTopic reports whether a concrete topic matches a pattern. Patterns
// are '/'-separated; '*' matches exactly one segment. Segment counts must
// be equal.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] == "*" {
			continue
		}
		if pp[i] != tp[i] {
			return false
		}
	}
	return true
}
