// Package memtransport provides an in-process implementation of the
// transport interface backed by a shared broker value. It supports
// broker-side last-will delivery, which makes abnormal-disconnect behavior
// testable without a real broker: severing a connection publishes its will
// to death-topic subscribers exactly as an MQTT-style broker would.
package memtransport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/transport"
)

// Broker routes messages between in-process connections. One broker value
// is shared by every connection in a test or single-process deployment.
type Broker struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[string]*Conn)}
}

// NewConn creates a new, unconnected transport bound to this broker.
func (b *Broker) NewConn() *Conn {
	c := &Conn{broker: b}
	c.status.Store(int32(transport.StatusDisconnected))
	return c
}

// Sever forcefully drops a connection without running its clean-shutdown
// path, as a broker would when a keep-alive expires. The connection's last
// will, if any, is published to subscribers.
func (b *Broker) Sever(identity string) {
	b.mu.Lock()
	c, ok := b.conns[identity]
	b.mu.Unlock()
	if ok {
		c.drop(false)
	}
}

// register adds a connection under its identity. A second connection with
// the same identity is rejected; identities scope liveness to one client.
func (b *Broker) register(c *Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.conns[c.identity]; ok && existing != c {
		return errors.WrapInvalid(
			fmt.Errorf("identity %q already connected", c.identity),
			"Broker", "register", "check identity")
	}
	b.conns[c.identity] = c
	return nil
}

func (b *Broker) unregister(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[c.identity] == c {
		delete(b.conns, c.identity)
	}
}

// publish fans a message out to every matching subscription on every
// connected conn. Delivery is asynchronous per receiving connection and
// ordered within one connection.
func (b *Broker) publish(topic string, payload []byte) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.deliver(topic, payload)
	}
}

type delivery struct {
	topic   string
	payload []byte
	handler transport.Handler
}

type subscription struct {
	pattern string
	handler transport.Handler
	conn    *Conn
}

func (s *subscription) Topic() string { return s.pattern }

func (s *subscription) Unsubscribe() error {
	s.conn.removeSub(s)
	return nil
}

// Conn is one client connection to the in-process broker.
type Conn struct {
	broker   *Broker
	identity string
	will     *transport.LastWill

	mu      sync.Mutex
	subs    []*subscription
	inbox   chan delivery
	done    chan struct{}
	healthy []func(bool)

	status atomic.Int32
}

var _ transport.Transport = (*Conn)(nil)

// Connect registers the connection with the broker and starts its delivery
// loop. Messages for this connection are handled one at a time, in order.
func (c *Conn) Connect(_ context.Context, identity string, will *transport.LastWill) error {
	if c.Status() == transport.StatusConnected {
		return errors.ErrAlreadyStarted
	}
	if identity == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty identity"), "Conn", "Connect", "check identity")
	}

	c.mu.Lock()
	c.identity = identity
	c.will = will
	c.inbox = make(chan delivery, 1024)
	c.done = make(chan struct{})
	inbox, done := c.inbox, c.done
	c.mu.Unlock()

	if err := c.broker.register(c); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case d := <-inbox:
				d.handler(context.Background(), d.topic, d.payload)
			}
		}
	}()

	c.status.Store(int32(transport.StatusConnected))
	c.notifyHealth(true)
	return nil
}

// Publish sends a payload through the broker. In-process delivery cannot
// fail transiently, so both delivery qualities behave identically here.
func (c *Conn) Publish(_ context.Context, topic string, payload []byte, _ transport.DeliveryQuality) error {
	if c.Status() != transport.StatusConnected {
		return errors.ErrNotConnected
	}
	// Copy so a caller reusing its buffer cannot corrupt in-flight messages.
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.broker.publish(topic, buf)
	return nil
}

// Subscribe registers a handler for topics matching pattern.
func (c *Conn) Subscribe(_ context.Context, pattern string, handler transport.Handler) (transport.Subscription, error) {
	if c.Status() != transport.StatusConnected {
		return nil, errors.ErrNotConnected
	}
	if handler == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil handler"), "Conn", "Subscribe", "check handler")
	}

	sub := &subscription{pattern: pattern, handler: handler, conn: c}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// Disconnect closes the connection. Clean disconnects suppress the last
// will; unclean ones let it fire.
func (c *Conn) Disconnect(_ context.Context, clean bool) error {
	if c.Status() != transport.StatusConnected {
		return nil
	}
	c.drop(clean)
	return nil
}

// Status reports the current connection state.
func (c *Conn) Status() transport.ConnectionStatus {
	return transport.ConnectionStatus(c.status.Load())
}

// OnHealthChange registers a callback for connect/disconnect transitions.
func (c *Conn) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = append(c.healthy, fn)
}

// deliver enqueues a message for this connection's matching subscriptions.
func (c *Conn) deliver(topic string, payload []byte) {
	c.mu.Lock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	inbox, done := c.inbox, c.done
	c.mu.Unlock()

	if inbox == nil {
		return
	}
	for _, sub := range subs {
		if !transport.MatchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case inbox <- delivery{topic: topic, payload: payload, handler: sub.handler}:
		case <-done:
			return
		}
	}
}

func (c *Conn) removeSub(target *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub == target {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// drop tears the connection down. Will delivery happens after the conn is
// unregistered so the dropped client never sees its own death.
func (c *Conn) drop(clean bool) {
	if !c.status.CompareAndSwap(int32(transport.StatusConnected), int32(transport.StatusDisconnected)) {
		return
	}

	c.broker.unregister(c)

	c.mu.Lock()
	if c.done != nil {
		close(c.done)
	}
	will := c.will
	c.subs = nil
	c.mu.Unlock()

	if !clean && will != nil {
		c.broker.publish(will.Topic, will.Payload)
	}
	c.notifyHealth(false)
}

func (c *Conn) notifyHealth(healthy bool) {
	c.mu.Lock()
	fns := make([]func(bool), len(c.healthy))
	copy(fns, c.healthy)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(healthy)
	}
}
