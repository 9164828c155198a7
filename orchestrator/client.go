// Package orchestrator implements the orchestrator-side protocol role:
// correlated task invocation against remote devices plus a capability
// directory fed by birth and death announcements.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/protocol"
	"github.com/c360/taskwire/transport"
)

// pending is one in-flight invocation. The channel is buffered so the
// result-delivery path never blocks on a waiter.
type pending struct {
	deviceID string
	ch       chan *protocol.ResultMessage
}

// Client issues commands to devices and matches results back to callers by
// correlation id.
type Client struct {
	tr      transport.Transport
	logger  *slog.Logger
	metrics *metric.Metrics

	identity string

	// The pending table is the only shared mutable state on this side of
	// the protocol.
	mu      sync.Mutex
	pending map[string]*pending

	directory *Directory

	resultSubs map[string]transport.Subscription
	deathSub   transport.Subscription

	startMu sync.Mutex
	started bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics wires the protocol metrics.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithIdentity overrides the generated transport identity. Useful when
// several orchestrator processes must be distinguishable on the broker.
func WithIdentity(identity string) ClientOption {
	return func(c *Client) {
		c.identity = identity
	}
}

// NewClient creates an orchestrator client over the given transport.
func NewClient(tr transport.Transport, opts ...ClientOption) (*Client, error) {
	if tr == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil transport"), "Client", "NewClient", "validate arguments")
	}

	c := &Client{
		tr:         tr,
		logger:     slog.Default().With("component", "orchestrator"),
		identity:   "orchestrator-" + uuid.NewString()[:8],
		pending:    make(map[string]*pending),
		resultSubs: make(map[string]transport.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.directory = newDirectory(c.logger, c.metrics)
	return c, nil
}

// Directory returns the capability directory maintained from birth and
// death announcements.
func (c *Client) Directory() *Directory {
	return c.directory
}

// Start connects the transport and subscribes to the announcement topics.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return errors.ErrAlreadyStarted
	}

	if err := c.tr.Connect(ctx, c.identity, nil); err != nil {
		return errors.Wrap(err, "Client", "Start", "connect transport")
	}

	if _, err := c.tr.Subscribe(ctx, protocol.BirthTopic(protocol.Wildcard), c.handleBirth); err != nil {
		return errors.Wrap(err, "Client", "Start", "subscribe births")
	}
	sub, err := c.tr.Subscribe(ctx, protocol.DeathTopic(protocol.Wildcard), c.handleDeath)
	if err != nil {
		return errors.Wrap(err, "Client", "Start", "subscribe deaths")
	}
	c.deathSub = sub

	c.started = true
	c.logger.Info("orchestrator started", "identity", c.identity)
	return nil
}

// Stop disconnects cleanly. Pending invocations fail with the shutdown
// sentinel.
func (c *Client) Stop(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.started {
		return errors.ErrNotStarted
	}
	c.started = false

	c.mu.Lock()
	for id, p := range c.pending {
		delete(c.pending, id)
		close(p.ch)
	}
	c.mu.Unlock()

	return c.tr.Disconnect(ctx, true)
}

// Discover waits until a device's capabilities are known, consulting the
// directory first so a previously cached birth answers immediately.
func (c *Client) Discover(ctx context.Context, deviceID string, timeout time.Duration) ([]protocol.TaskDescriptor, error) {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	if tasks, ok := c.directory.Tasks(deviceID); ok {
		return tasks, nil
	}

	ch := c.directory.waitFor(deviceID)
	defer c.directory.stopWaiting(deviceID, ch)

	// A birth landing between the first lookup and waiter registration
	// would only close the waiter on the device's next announcement, so
	// look again before blocking.
	if tasks, ok := c.directory.Tasks(deviceID); ok {
		return tasks, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		tasks, _ := c.directory.Tasks(deviceID)
		return tasks, nil
	case <-timer.C:
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: no birth from %s within %v", errors.ErrDiscoveryTimeout, deviceID, timeout),
			"Client", "Discover", "wait for announcement")
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "Client", "Discover", "context cancelled")
	}
}

// Invoke publishes a command to a device and waits for the correlated
// result. Timeout is local: expiry removes the pending entry and later
// results are dropped as orphans. With at-least-once transport the task
// may still run, once or more, after a timeout.
func (c *Client) Invoke(ctx context.Context, deviceID, taskName string, params map[string]any, timeout time.Duration) (any, error) {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if taskName == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty task name"), "Client", "Invoke", "validate arguments")
	}

	if err := c.ensureResultSub(ctx, deviceID); err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	p := &pending{
		deviceID: deviceID,
		ch:       make(chan *protocol.ResultMessage, 1),
	}

	c.mu.Lock()
	c.pending[correlationID] = p
	inFlight := len(c.pending)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.InvocationsInFlight.Set(float64(inFlight))
	}

	start := time.Now()
	outcome := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.InvocationDuration.WithLabelValues(deviceID, taskName, outcome).
				Observe(time.Since(start).Seconds())
		}
	}()

	payload, err := protocol.EncodeCommand(&protocol.CommandMessage{
		CorrelationID: correlationID,
		TaskName:      taskName,
		Parameters:    params,
		IssuedAt:      time.Now().UTC(),
	})
	if err != nil {
		c.removePending(correlationID)
		outcome = "encode_error"
		return nil, errors.Wrap(err, "Client", "Invoke", "encode command")
	}

	if err := c.tr.Publish(ctx, protocol.CommandTopic(deviceID), payload, transport.AtLeastOnce); err != nil {
		c.removePending(correlationID)
		outcome = "delivery_failed"
		return nil, errors.Wrap(err, "Client", "Invoke", "publish command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-p.ch:
		if !ok {
			outcome = "shutdown"
			return nil, errors.ErrShuttingDown
		}
		c.removePending(correlationID)
		if res == nil {
			outcome = "device_unavailable"
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %s went offline", errors.ErrDeviceUnavailable, deviceID),
				"Client", "Invoke", "wait for result")
		}
		if res.Status != protocol.StatusSuccess {
			outcome = string(res.ErrorKind)
			base := protocol.ErrorForKind(res.ErrorKind)
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", base, res.ErrorMessage),
				"Client", "Invoke", "remote execution")
		}
		return res.Result, nil

	case <-timer.C:
		c.removePending(correlationID)
		outcome = "timeout"
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: no result for %s/%s within %v", errors.ErrTimeout, deviceID, taskName, timeout),
			"Client", "Invoke", "wait for result")

	case <-ctx.Done():
		c.removePending(correlationID)
		outcome = "cancelled"
		return nil, errors.Wrap(ctx.Err(), "Client", "Invoke", "context cancelled")
	}
}

// ensureResultSub lazily subscribes to a device's result topic. One
// subscription per device covers every invocation against it.
func (c *Client) ensureResultSub(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resultSubs[deviceID]; ok {
		return nil
	}
	sub, err := c.tr.Subscribe(ctx, protocol.ResultTopic(deviceID), c.handleResult)
	if err != nil {
		return errors.Wrap(err, "Client", "ensureResultSub", "subscribe results")
	}
	c.resultSubs[deviceID] = sub
	return nil
}

func (c *Client) removePending(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	inFlight := len(c.pending)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.InvocationsInFlight.Set(float64(inFlight))
	}
}

// handleResult routes a result to its waiting invocation. Results with no
// pending entry (late arrivals after timeout, or redeliveries) are
// counted and dropped.
func (c *Client) handleResult(_ context.Context, topic string, payload []byte) {
	res, err := protocol.DecodeResult(payload)
	if err != nil {
		c.logger.Warn("dropping malformed result", "topic", topic, "error", err)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[res.CorrelationID]
	if ok {
		delete(c.pending, res.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		if c.metrics != nil {
			c.metrics.OrphanResults.Inc()
		}
		c.logger.Debug("orphan result dropped", "correlation_id", res.CorrelationID)
		return
	}

	p.ch <- res
}

func (c *Client) handleBirth(_ context.Context, topic string, payload []byte) {
	birth, err := protocol.DecodeBirth(payload)
	if err != nil {
		c.logger.Warn("dropping malformed birth", "topic", topic, "error", err)
		return
	}
	c.directory.recordBirth(birth)
}

// handleDeath marks the device offline and fails every pending invocation
// against it immediately: a nil result on the pending channel signals
// DeviceUnavailable.
func (c *Client) handleDeath(_ context.Context, topic string, payload []byte) {
	death, err := protocol.DecodeDeath(payload)
	if err != nil {
		c.logger.Warn("dropping malformed death", "topic", topic, "error", err)
		return
	}
	c.directory.recordDeath(death)

	c.mu.Lock()
	var failed []*pending
	for id, p := range c.pending {
		if p.deviceID == death.DeviceID {
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.ch <- nil
	}
	if len(failed) > 0 {
		c.logger.Info("failed pending invocations on death notice",
			"device_id", death.DeviceID, "count", len(failed))
	}
}
