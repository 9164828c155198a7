// Package device implements the device-side protocol role: a long-lived
// agent that announces its task registry, executes commands published to
// its command topic, and reports results with the originating correlation
// id. A death notice is registered as the connection's last will so
// observers learn about abnormal disconnects.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/pkg/worker"
	"github.com/c360/taskwire/protocol"
	"github.com/c360/taskwire/task"
	"github.com/c360/taskwire/transport"
)

// State is the agent's lifecycle state.
type State int

// Agent lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAnnouncing
	StateListening
	StateExecuting
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAnnouncing:
		return "announcing"
	case StateListening:
		return "listening"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// Agent binds a task registry to a transport connection and serves the
// device side of the protocol.
type Agent struct {
	deviceID string
	tr       transport.Transport
	registry *task.Registry
	logger   *slog.Logger
	metrics  *metric.Metrics
	mreg     *metric.MetricsRegistry

	state     atomic.Value // State
	executing atomic.Int32

	// Optional execution offload. Zero workers means commands execute
	// inline on the delivery path, one at a time.
	poolWorkers int
	poolQueue   int
	pool        *worker.Pool[*protocol.CommandMessage]

	cmdSub  transport.Subscription
	unwatch func()

	mu      sync.Mutex
	started bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics wires the protocol metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithMetricsRegistry provides the registry worker-pool metrics are
// registered with. Has no effect without WithWorkerPool.
func WithMetricsRegistry(reg *metric.MetricsRegistry) Option {
	return func(a *Agent) {
		a.mreg = reg
	}
}

// WithWorkerPool offloads task execution to a bounded pool so slow tasks
// do not block command delivery. Correlation ids keep results matched to
// their commands regardless of completion order.
func WithWorkerPool(workers, queueSize int) Option {
	return func(a *Agent) {
		a.poolWorkers = workers
		a.poolQueue = queueSize
	}
}

// NewAgent creates a device agent. The registry may be populated before or
// after creation; registrations after Start trigger re-announcement.
func NewAgent(deviceID string, tr transport.Transport, registry *task.Registry, opts ...Option) (*Agent, error) {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil transport"), "Agent", "NewAgent", "validate arguments")
	}
	if registry == nil {
		registry = task.NewRegistry()
	}

	a := &Agent{
		deviceID: deviceID,
		tr:       tr,
		registry: registry,
		logger:   slog.Default().With("component", "device", "device_id", deviceID),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state.Store(StateDisconnected)
	return a, nil
}

// DeviceID returns the agent's device identifier.
func (a *Agent) DeviceID() string {
	return a.deviceID
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	return a.state.Load().(State)
}

// Healthy reports whether the transport connection is up.
func (a *Agent) Healthy() bool {
	return a.tr.Status() == transport.StatusConnected
}

func (a *Agent) setState(s State) {
	a.state.Store(s)
}

// Start connects, announces capabilities, and begins serving commands.
// The death notice registered as the last will carries reason
// "connection_lost" so an abnormal disconnect is distinguishable from a
// clean shutdown.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	a.setState(StateConnecting)

	willPayload, err := protocol.EncodeDeath(&protocol.DeathNotice{
		DeviceID: a.deviceID,
		Reason:   protocol.ReasonConnectionLost,
	})
	if err != nil {
		a.setState(StateDisconnected)
		return errors.Wrap(err, "Agent", "Start", "encode last will")
	}

	will := &transport.LastWill{
		Topic:   protocol.DeathTopic(a.deviceID),
		Payload: willPayload,
	}
	if err := a.tr.Connect(ctx, a.deviceID, will); err != nil {
		a.setState(StateDisconnected)
		return errors.Wrap(err, "Agent", "Start", "connect transport")
	}

	if a.poolWorkers > 0 {
		var poolOpts []worker.Option[*protocol.CommandMessage]
		if a.mreg != nil {
			poolOpts = append(poolOpts,
				worker.WithMetricsRegistry[*protocol.CommandMessage](a.mreg, "device_tasks"))
		}
		a.pool = worker.NewPool(a.poolWorkers, a.poolQueue, a.execute, poolOpts...)
		if err := a.pool.Start(ctx); err != nil {
			return errors.Wrap(err, "Agent", "Start", "start worker pool")
		}
	}

	a.setState(StateAnnouncing)
	if err := a.announce(ctx); err != nil {
		return errors.Wrap(err, "Agent", "Start", "announce capabilities")
	}

	sub, err := a.tr.Subscribe(ctx, protocol.CommandTopic(a.deviceID), a.handleCommand)
	if err != nil {
		return errors.Wrap(err, "Agent", "Start", "subscribe commands")
	}
	a.cmdSub = sub

	// Registrations after startup re-announce the full task set. The
	// watch is detached on Stop so a stopped agent never publishes.
	a.unwatch = a.registry.Watch(func() {
		actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.announce(actx); err != nil {
			a.logger.Error("re-announcement failed", "error", err)
		}
	})

	a.setState(StateListening)
	a.logger.Info("agent started", "tasks", a.registry.Len())
	return nil
}

// Stop publishes a death notice with reason "shutdown" and disconnects
// cleanly, suppressing the last will.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return errors.ErrNotStarted
	}
	a.started = false
	a.mu.Unlock()

	if a.unwatch != nil {
		a.unwatch()
		a.unwatch = nil
	}

	if a.cmdSub != nil {
		if err := a.cmdSub.Unsubscribe(); err != nil {
			a.logger.Error("unsubscribe failed", "error", err)
		}
		a.cmdSub = nil
	}

	if a.pool != nil {
		if err := a.pool.Stop(10 * time.Second); err != nil {
			a.logger.Error("worker pool stop failed", "error", err)
		}
	}

	death, err := protocol.EncodeDeath(&protocol.DeathNotice{
		DeviceID: a.deviceID,
		Reason:   protocol.ReasonShutdown,
	})
	if err == nil {
		if perr := a.tr.Publish(ctx, protocol.DeathTopic(a.deviceID), death, transport.AtLeastOnce); perr != nil {
			a.logger.Error("death notice publish failed", "error", perr)
		}
	}

	err = a.tr.Disconnect(ctx, true)
	a.setState(StateDisconnected)
	a.logger.Info("agent stopped")
	return err
}

// announce publishes a full capability snapshot at-least-once. Each
// announcement entirely supersedes the previous one.
func (a *Agent) announce(ctx context.Context) error {
	birth := &protocol.BirthAnnouncement{
		DeviceID:    a.deviceID,
		Tasks:       a.registry.List(),
		AnnouncedAt: time.Now().UTC(),
	}
	payload, err := protocol.EncodeBirth(birth)
	if err != nil {
		return err
	}
	if err := a.tr.Publish(ctx, protocol.BirthTopic(a.deviceID), payload, transport.AtLeastOnce); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.Announcements.Inc()
	}
	a.logger.Debug("announced capabilities", "tasks", len(birth.Tasks))
	return nil
}

// handleCommand is the command-topic subscription handler. Malformed
// payloads are answered only when a correlation id was salvageable;
// otherwise there is nothing to correlate a reply to and the payload is
// logged and dropped.
func (a *Agent) handleCommand(ctx context.Context, _ string, payload []byte) {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		if cmd == nil || cmd.CorrelationID == "" {
			a.logger.Warn("dropping malformed command without correlation id", "error", err)
			return
		}
		a.publishResult(ctx, failureResult(cmd.CorrelationID, errors.ErrMalformedCommand, err.Error()))
		return
	}

	if a.metrics != nil {
		a.metrics.CommandsReceived.WithLabelValues(a.deviceID, cmd.TaskName).Inc()
	}

	if a.pool != nil {
		if err := a.pool.Submit(cmd); err == nil {
			return
		}
		// Queue full: fall through to inline execution so the command is
		// not silently dropped. Delivery blocks, which is the
		// backpressure we want.
		a.logger.Warn("worker pool saturated, executing inline", "task", cmd.TaskName)
	}
	_ = a.execute(ctx, cmd)
}

// execute runs one command to completion and publishes its result.
func (a *Agent) execute(ctx context.Context, cmd *protocol.CommandMessage) error {
	a.executing.Add(1)
	a.setState(StateExecuting)
	defer func() {
		if a.executing.Add(-1) == 0 {
			a.setState(StateListening)
		}
	}()

	res := a.run(ctx, cmd)
	a.publishResult(ctx, res)
	if res.Status == protocol.StatusError {
		return protocol.ErrorForKind(res.ErrorKind)
	}
	return nil
}

// run resolves, validates, and invokes the task, mapping every failure
// mode to its wire-level result. A panic in a task handler is recovered
// and reported as TaskFailure; the agent never crashes on task bugs.
func (a *Agent) run(ctx context.Context, cmd *protocol.CommandMessage) (res *protocol.ResultMessage) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("task panicked",
				"task", cmd.TaskName,
				"panic", r,
				"stack", string(debug.Stack()))
			res = failureResult(cmd.CorrelationID, errors.ErrTaskFailure, fmt.Sprintf("task panicked: %v", r))
		}
	}()

	handler, err := a.registry.Resolve(cmd.TaskName)
	if err != nil {
		return failureResult(cmd.CorrelationID, errors.ErrTaskNotFound,
			fmt.Sprintf("no task named %q", cmd.TaskName))
	}

	desc, _ := a.registry.Descriptor(cmd.TaskName)
	params, err := task.ValidateParams(desc.ParameterSchema, cmd.Parameters)
	if err != nil {
		return failureResult(cmd.CorrelationID, errors.ErrMalformedCommand, err.Error())
	}

	start := time.Now()
	value, err := handler(ctx, params)
	if a.metrics != nil {
		a.metrics.TaskDuration.WithLabelValues(a.deviceID, cmd.TaskName).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return failureResult(cmd.CorrelationID, errors.ErrTaskFailure, err.Error())
	}

	return &protocol.ResultMessage{
		CorrelationID: cmd.CorrelationID,
		Status:        protocol.StatusSuccess,
		Result:        value,
		CompletedAt:   time.Now().UTC(),
	}
}

func (a *Agent) publishResult(ctx context.Context, res *protocol.ResultMessage) {
	payload, err := protocol.EncodeResult(res)
	if err != nil {
		a.logger.Error("result encode failed", "correlation_id", res.CorrelationID, "error", err)
		return
	}
	if err := a.tr.Publish(ctx, protocol.ResultTopic(a.deviceID), payload, transport.AtLeastOnce); err != nil {
		a.logger.Error("result publish failed", "correlation_id", res.CorrelationID, "error", err)
		return
	}
	if a.metrics != nil {
		a.metrics.ResultsPublished.WithLabelValues(a.deviceID, res.Status, string(res.ErrorKind)).Inc()
	}
}

func failureResult(correlationID string, sentinel error, message string) *protocol.ResultMessage {
	return &protocol.ResultMessage{
		CorrelationID: correlationID,
		Status:        protocol.StatusError,
		ErrorKind:     protocol.KindForError(sentinel),
		ErrorMessage:  message,
		CompletedAt:   time.Now().UTC(),
	}
}
