// Package natstransport adapts NATS to the transport.Transport contract.
//
// At-least-once delivery is backed by a JetStream stream covering the
// protocol's device subjects: publishes are acknowledged by the broker and
// retried within a retry budget, and matching subscriptions consume
// through ephemeral explicit-ack consumers. Topics outside the stream, and
// all at-most-once traffic, use core NATS.
//
// NATS has no broker-side last will; see liveness.go for the heartbeat
// emulation that provides equivalent semantics.
package natstransport

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/pkg/retry"
	"github.com/c360/taskwire/transport"
)

// DefaultStream is the JetStream stream backing at-least-once delivery.
const DefaultStream = "TASKWIRE"

// streamRoot is the subject space the stream captures: every protocol
// topic under devices/.
const streamRoot = "devices."

// Client manages a NATS connection implementing transport.Transport.
type Client struct {
	url    string
	status atomic.Value // stores transport.ConnectionStatus
	logger Logger

	conn *nats.Conn
	js   jetstream.JetStream

	identity string
	will     *transport.LastWill
	beatStop chan struct{}

	streamName   string
	keepAlive    time.Duration
	publishRetry retry.Config
	metrics      *metric.Metrics

	// Connection options
	maxReconnects    int
	reconnectWait    time.Duration
	reconnectCeiling time.Duration
	timeout          time.Duration

	// Authentication - cleared on disconnect
	username string
	password string
	token    string

	tlsConfig *tls.Config

	watch *watcher
	subs  []*clientSub

	healthMu  sync.Mutex
	healthFns []func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a NATS transport client with optional configuration.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		streamName:       DefaultStream,
		keepAlive:        10 * time.Second,
		publishRetry:     retry.Publish(),
		maxReconnects:    -1,
		reconnectWait:    time.Second,
		reconnectCeiling: 30 * time.Second,
		timeout:          5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(transport.StatusDisconnected)
	c.watch = newWatcher(c)

	c.logger.Debugf("Created NATS transport client for %s", url)

	return c, nil
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() transport.ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return transport.StatusDisconnected
	}
	return val.(transport.ConnectionStatus)
}

func (c *Client) setStatus(status transport.ConnectionStatus) {
	c.status.Store(status)
}

// OnHealthChange registers a callback invoked on connectivity transitions.
func (c *Client) OnHealthChange(fn func(healthy bool)) {
	if fn == nil {
		return
	}
	c.healthMu.Lock()
	c.healthFns = append(c.healthFns, fn)
	c.healthMu.Unlock()
}

func (c *Client) notifyHealth(healthy bool) {
	c.healthMu.Lock()
	fns := make([]func(bool), len(c.healthFns))
	copy(fns, c.healthFns)
	c.healthMu.Unlock()
	for _, fn := range fns {
		fn(healthy)
	}
}

// buildConnectionOptions builds NATS connection options from client
// configuration. Reconnect delay backs off exponentially from
// reconnectWait to reconnectCeiling.
func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.Timeout(c.timeout),
		nats.CustomReconnectDelay(c.reconnectDelay),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.identity != "" {
		opts = append(opts, nats.Name(c.identity))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}

	return opts
}

// reconnectDelay doubles from reconnectWait up to reconnectCeiling.
func (c *Client) reconnectDelay(attempts int) time.Duration {
	delay := c.reconnectWait
	for i := 1; i < attempts && delay < c.reconnectCeiling; i++ {
		delay *= 2
	}
	if delay > c.reconnectCeiling {
		delay = c.reconnectCeiling
	}
	return delay
}

// Connect establishes the connection, provisions the delivery stream, and
// starts liveness heartbeats when a will is registered.
func (c *Client) Connect(ctx context.Context, identity string, will *transport.LastWill) error {
	if c.closed.Load() {
		return errors.ErrShuttingDown
	}
	if c.Status() == transport.StatusConnected {
		return errors.ErrAlreadyStarted
	}
	if identity == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty identity"), "Client", "Connect", "validate identity")
	}

	c.mu.Lock()
	c.identity = identity
	c.will = will
	c.mu.Unlock()

	c.setStatus(transport.StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s as %s", c.url, identity)

	// The goroutine owns the connection until the select commits it, so an
	// abandoned dial never leaves half-initialized state behind.
	type dialResult struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	connectDone := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		if err != nil {
			connectDone <- dialResult{err: err}
			return
		}

		var js jetstream.JetStream
		if c.streamName != "" {
			js, err = jetstream.New(conn)
			if err == nil {
				err = c.ensureStream(ctx, js)
			}
			if err != nil {
				conn.Close()
				connectDone <- dialResult{err: err}
				return
			}
		}

		connectDone <- dialResult{conn: conn, js: js}
	}()

	select {
	case res := <-connectDone:
		if res.err != nil {
			c.setStatus(transport.StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}
		c.mu.Lock()
		c.conn = res.conn
		c.js = res.js
		c.mu.Unlock()
	case <-ctx.Done():
		c.setStatus(transport.StatusDisconnected)
		// The dial may still complete in the background; reap the
		// connection so it is not leaked.
		go func() {
			if res := <-connectDone; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(transport.StatusConnected)
	if c.metrics != nil {
		c.metrics.TransportConnected.Set(1)
	}

	if will != nil {
		c.mu.Lock()
		c.beatStop = make(chan struct{})
		stop := c.beatStop
		c.mu.Unlock()
		go c.beatLoop(c.keepAlive/3, stop)
	}

	c.logger.Printf("Connected to NATS at %s", c.url)
	c.notifyHealth(true)

	return nil
}

// ensureStream creates or updates the JetStream stream backing
// at-least-once delivery.
func (c *Client) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:      c.streamName,
		Subjects:  []string{streamRoot + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", c.streamName, err)
	}
	return nil
}

// Publish sends a payload to a topic. AtLeastOnce publishes go through
// JetStream with broker acknowledgment and are retried within the
// publish retry budget; exhaustion surfaces ErrDeliveryFailed.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos transport.DeliveryQuality) error {
	c.mu.RLock()
	conn, js := c.conn, c.js
	c.mu.RUnlock()

	if conn == nil || c.Status() == transport.StatusDisconnected {
		return errors.ErrNotConnected
	}

	subject := topicToSubject(topic)

	if qos == transport.AtLeastOnce && js != nil && strings.HasPrefix(subject, streamRoot) {
		attempts := 0
		err := retry.Do(ctx, c.publishRetry, func() error {
			attempts++
			if attempts > 1 && c.metrics != nil {
				c.metrics.DeliveryRetries.Inc()
			}
			_, perr := js.Publish(ctx, subject, payload)
			return perr
		})
		if err != nil {
			if c.metrics != nil {
				c.metrics.DeliveryFailures.Inc()
			}
			c.logger.Errorf("at-least-once publish to %s exhausted retries: %v", topic, err)
			return errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrDeliveryFailed, err),
				"Client", "Publish", "acknowledged publish")
		}
		return nil
	}

	if err := conn.Publish(subject, payload); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "core publish")
	}
	return nil
}

// clientSub is one active subscription. Exactly one of core or consume is
// set depending on whether the pattern falls under the delivery stream.
type clientSub struct {
	client  *Client
	pattern string

	core         *nats.Subscription
	consume      jetstream.ConsumeContext
	consumerName string
	death        *deathSub

	once sync.Once
}

// Topic returns the pattern this subscription was created with.
func (s *clientSub) Topic() string {
	return s.pattern
}

// Unsubscribe stops delivery to this subscription's handler.
func (s *clientSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.core != nil {
			err = s.core.Unsubscribe()
		}
		if s.consume != nil {
			s.consume.Stop()
		}
		if s.death != nil {
			s.client.watch.removePattern(s.death)
		}
		s.client.dropSub(s)
	})
	return err
}

func (c *Client) dropSub(target *clientSub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == target {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a handler for all topics matching pattern. Patterns
// under the delivery stream consume through an ephemeral explicit-ack
// JetStream consumer starting at new messages; other patterns use a core
// subscription. The pattern is also registered with the liveness watcher
// so synthesized last wills reach matching handlers.
func (c *Client) Subscribe(ctx context.Context, pattern string, handler transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, errors.ErrNotConnected
	}

	sub := &clientSub{client: c, pattern: pattern}
	subject := topicToSubject(pattern)

	if c.js != nil && strings.HasPrefix(subject, streamRoot) {
		consumer, err := c.js.CreateConsumer(ctx, c.streamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrSubscribeFailed, err),
				"Client", "Subscribe", "create consumer")
		}
		sub.consumerName = consumer.CachedInfo().Name

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			msgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			handler(msgCtx, subjectToTopic(msg.Subject()), msg.Data())
			cancel()
			if err := msg.Ack(); err != nil {
				c.logger.Debugf("ack failed for %s: %v", msg.Subject(), err)
			}
		})
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrSubscribeFailed, err),
				"Client", "Subscribe", "start consume")
		}
		sub.consume = cc
	} else {
		ns, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
			msgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			handler(msgCtx, subjectToTopic(msg.Subject), msg.Data)
			cancel()
		})
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrSubscribeFailed, err),
				"Client", "Subscribe", "core subscribe")
		}
		sub.core = ns
	}

	// Route synthesized wills to this pattern. The watcher starts on the
	// first subscription and scans at a fraction of the keep-alive window.
	if c.watch.sub == nil {
		if err := c.watch.start(c.conn, c.keepAlive/3); err != nil {
			c.logger.Errorf("liveness watcher failed to start: %v", err)
		}
	}
	sub.death = c.watch.addPattern(pattern, handler)

	c.subs = append(c.subs, sub)
	return sub, nil
}

// Disconnect closes the connection. A clean disconnect sends a closing
// liveness beat so observers do not synthesize the will; an unclean one
// simply stops heartbeats and lets the will fire after the keep-alive
// window.
func (c *Client) Disconnect(ctx context.Context, clean bool) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	if c.beatStop != nil {
		close(c.beatStop)
		c.beatStop = nil
	}
	subs := c.subs
	c.subs = nil
	conn := c.conn
	c.mu.Unlock()

	c.watch.stop()

	if clean {
		c.sendClosingBeat()
	}

	var errs []error
	for _, s := range subs {
		s.once.Do(func() {
			if s.core != nil {
				if err := s.core.Unsubscribe(); err != nil {
					errs = append(errs, errors.Wrap(err, "Client", "Disconnect", "unsubscribe"))
				}
			}
			if s.consume != nil {
				s.consume.Stop()
			}
		})
	}

	if conn != nil {
		if clean {
			drainDone := make(chan error, 1)
			go func() { drainDone <- conn.Drain() }()
			select {
			case err := <-drainDone:
				if err != nil {
					errs = append(errs, errors.Wrap(err, "Client", "Disconnect", "drain"))
				}
			case <-ctx.Done():
				errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Disconnect", "drain cancelled"))
			case <-time.After(c.timeout):
				errs = append(errs, errors.WrapTransient(
					fmt.Errorf("drain timeout after %v", c.timeout),
					"Client", "Disconnect", "drain"))
			}
		}
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.js = nil
		c.mu.Unlock()
	}

	// Clear credentials
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(transport.StatusDisconnected)
	if c.metrics != nil {
		c.metrics.TransportConnected.Set(0)
	}

	return stderrors.Join(errs...)
}

// handleDisconnect is called when the connection to NATS drops.
func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	if err != nil {
		c.logger.Errorf("NATS disconnected: %v", err)
	} else {
		c.logger.Printf("NATS disconnected")
	}
	c.setStatus(transport.StatusReconnecting)
	if c.metrics != nil {
		c.metrics.TransportConnected.Set(0)
	}
	c.notifyHealth(false)
}

// handleReconnect is called when the connection to NATS is re-established.
// Core subscriptions and JetStream consumers survive reconnects inside the
// nats library, so only status and liveness need refreshing.
func (c *Client) handleReconnect(conn *nats.Conn) {
	c.logger.Printf("NATS reconnected to %s", conn.ConnectedUrl())
	c.setStatus(transport.StatusConnected)
	if c.metrics != nil {
		c.metrics.TransportConnected.Set(1)
		c.metrics.TransportReconnects.Inc()
	}
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.logger.Printf("NATS connection closed")
	c.setStatus(transport.StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Errorf("NATS error on %s: %v", sub.Subject, err)
	} else {
		c.logger.Errorf("NATS error: %v", err)
	}
}
