package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskwire/protocol"
	"github.com/c360/taskwire/task"
	"github.com/c360/taskwire/transport"
	"github.com/c360/taskwire/transport/memtransport"
)

// collector subscribes to a topic pattern and records decoded payloads.
type collector struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *collector) handler(_ context.Context, _ string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.payloads = append(c.payloads, cp)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) at(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[i]
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n },
		2*time.Second, 5*time.Millisecond)
}

func echoTask(_ context.Context, params map[string]any) (any, error) {
	return params["value"], nil
}

func newTestAgent(t *testing.T, broker *memtransport.Broker, deviceID string, opts ...Option) (*Agent, *task.Registry) {
	t.Helper()
	registry := task.NewRegistry()
	registry.Register("echo", echoTask, []protocol.ParameterSpec{
		{Name: "value", Type: "any", Required: true},
	}, "returns its input")

	agent, err := NewAgent(deviceID, broker.NewConn(), registry, opts...)
	require.NoError(t, err)
	return agent, registry
}

func sendCommand(t *testing.T, conn transport.Transport, deviceID string, cmd *protocol.CommandMessage) {
	t.Helper()
	payload, err := protocol.EncodeCommand(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.Publish(context.Background(),
		protocol.CommandTopic(deviceID), payload, transport.AtLeastOnce))
}

func TestAgent_StartAnnouncesCapabilities(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	observer := broker.NewConn()
	require.NoError(t, observer.Connect(ctx, "observer", nil))
	births := &collector{}
	_, err := observer.Subscribe(ctx, "devices/*/birth", births.handler)
	require.NoError(t, err)

	agent, _ := newTestAgent(t, broker, "kuka-01")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	births.waitFor(t, 1)
	birth, err := protocol.DecodeBirth(births.at(0))
	require.NoError(t, err)
	assert.Equal(t, "kuka-01", birth.DeviceID)
	require.Len(t, birth.Tasks, 1)
	assert.Equal(t, "echo", birth.Tasks[0].Name)
	assert.Equal(t, StateListening, agent.State())
}

func TestAgent_EchoRoundTrip(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, _ := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "corr-1",
		TaskName:      "echo",
		Parameters:    map[string]any{"value": "hello"},
		IssuedAt:      time.Now().UTC(),
	})

	results.waitFor(t, 1)
	res, err := protocol.DecodeResult(results.at(0))
	require.NoError(t, err)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "hello", res.Result)
	assert.False(t, res.CompletedAt.IsZero())
}

func TestAgent_UnknownTaskReportsTaskNotFound(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, _ := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "corr-2",
		TaskName:      "no-such-task",
		IssuedAt:      time.Now().UTC(),
	})

	results.waitFor(t, 1)
	res, err := protocol.DecodeResult(results.at(0))
	require.NoError(t, err)
	assert.Equal(t, "corr-2", res.CorrelationID)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, protocol.KindTaskNotFound, res.ErrorKind)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestAgent_TaskErrorReportsTaskFailure(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, registry := newTestAgent(t, broker, "dev-1")
	registry.Register("fail", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("motor jammed")
	}, nil, "")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "corr-3",
		TaskName:      "fail",
		IssuedAt:      time.Now().UTC(),
	})

	results.waitFor(t, 1)
	res, err := protocol.DecodeResult(results.at(0))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindTaskFailure, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "motor jammed")
}

func TestAgent_PanickingTaskRecovered(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, registry := newTestAgent(t, broker, "dev-1")
	registry.Register("boom", func(context.Context, map[string]any) (any, error) {
		panic("wires crossed")
	}, nil, "")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "corr-4",
		TaskName:      "boom",
		IssuedAt:      time.Now().UTC(),
	})

	results.waitFor(t, 1)
	res, err := protocol.DecodeResult(results.at(0))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindTaskFailure, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "wires crossed")

	// The agent survives and still serves commands.
	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "corr-5",
		TaskName:      "echo",
		Parameters:    map[string]any{"value": 1.0},
		IssuedAt:      time.Now().UTC(),
	})
	results.waitFor(t, 2)
}

func TestAgent_MalformedCommandWithCorrelationAnswered(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, _ := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	// Missing task_name but correlation id is salvageable.
	require.NoError(t, orch.Publish(ctx, protocol.CommandTopic("dev-1"),
		[]byte(`{"correlation_id":"corr-6"}`), transport.AtLeastOnce))

	results.waitFor(t, 1)
	res, err := protocol.DecodeResult(results.at(0))
	require.NoError(t, err)
	assert.Equal(t, "corr-6", res.CorrelationID)
	assert.Equal(t, protocol.KindMalformedCommand, res.ErrorKind)
}

func TestAgent_MalformedCommandWithoutCorrelationDropped(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, _ := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	require.NoError(t, orch.Publish(ctx, protocol.CommandTopic("dev-1"),
		[]byte(`not json at all`), transport.AtLeastOnce))
	require.NoError(t, orch.Publish(ctx, protocol.CommandTopic("dev-1"),
		[]byte(`{"task_name":"echo"}`), transport.AtLeastOnce))

	// Give delivery a moment; nothing should come back.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, results.count())
}

func TestAgent_RegistrationTriggersReannouncement(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	observer := broker.NewConn()
	require.NoError(t, observer.Connect(ctx, "observer", nil))
	births := &collector{}
	_, err := observer.Subscribe(ctx, "devices/*/birth", births.handler)
	require.NoError(t, err)

	agent, registry := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)
	births.waitFor(t, 1)

	registry.Register("add", func(_ context.Context, p map[string]any) (any, error) {
		return p["a"].(float64) + p["b"].(float64), nil
	}, []protocol.ParameterSpec{
		{Name: "a", Type: "number", Required: true},
		{Name: "b", Type: "number", Required: true},
	}, "adds two numbers")

	births.waitFor(t, 2)
	birth, err := protocol.DecodeBirth(births.at(1))
	require.NoError(t, err)
	require.Len(t, birth.Tasks, 2)
	assert.Equal(t, "echo", birth.Tasks[0].Name)
	assert.Equal(t, "add", birth.Tasks[1].Name)
}

// A stopped agent must not react to registrations, and a restarted one
// must announce each change exactly once rather than stacking a new
// registry watch per Start.
func TestAgent_StopDetachesRegistryWatch(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	observer := broker.NewConn()
	require.NoError(t, observer.Connect(ctx, "observer", nil))
	births := &collector{}
	_, err := observer.Subscribe(ctx, "devices/*/birth", births.handler)
	require.NoError(t, err)

	agent, registry := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	births.waitFor(t, 1)
	require.NoError(t, agent.Stop(ctx))

	registry.Register("late", echoTask, nil, "")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, births.count())

	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)
	births.waitFor(t, 2)

	registry.Register("later", echoTask, nil, "")
	births.waitFor(t, 3)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, births.count())
}

func TestAgent_StopPublishesShutdownDeath(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	observer := broker.NewConn()
	require.NoError(t, observer.Connect(ctx, "observer", nil))
	deaths := &collector{}
	_, err := observer.Subscribe(ctx, "devices/*/death", deaths.handler)
	require.NoError(t, err)

	agent, _ := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))
	require.NoError(t, agent.Stop(ctx))

	deaths.waitFor(t, 1)
	death, err := protocol.DecodeDeath(deaths.at(0))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", death.DeviceID)
	assert.Equal(t, protocol.ReasonShutdown, death.Reason)
	assert.Equal(t, StateDisconnected, agent.State())
}

func TestAgent_SeveredConnectionFiresLastWill(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	observer := broker.NewConn()
	require.NoError(t, observer.Connect(ctx, "observer", nil))
	deaths := &collector{}
	_, err := observer.Subscribe(ctx, "devices/*/death", deaths.handler)
	require.NoError(t, err)

	agent, _ := newTestAgent(t, broker, "dev-1")
	require.NoError(t, agent.Start(ctx))

	broker.Sever("dev-1")

	deaths.waitFor(t, 1)
	death, err := protocol.DecodeDeath(deaths.at(0))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", death.DeviceID)
	assert.Equal(t, protocol.ReasonConnectionLost, death.Reason)
}

func TestAgent_WorkerPoolKeepsSlowTasksOffDeliveryPath(t *testing.T) {
	broker := memtransport.NewBroker()
	ctx := context.Background()

	agent, registry := newTestAgent(t, broker, "dev-1", WithWorkerPool(4, 16))
	release := make(chan struct{})
	registry.Register("slow", func(context.Context, map[string]any) (any, error) {
		<-release
		return "done", nil
	}, nil, "")
	require.NoError(t, agent.Start(ctx))
	defer agent.Stop(ctx)

	orch := broker.NewConn()
	require.NoError(t, orch.Connect(ctx, "orch", nil))
	results := &collector{}
	_, err := orch.Subscribe(ctx, protocol.ResultTopic("dev-1"), results.handler)
	require.NoError(t, err)

	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "slow-1", TaskName: "slow", IssuedAt: time.Now().UTC(),
	})
	sendCommand(t, orch, "dev-1", &protocol.CommandMessage{
		CorrelationID: "fast-1", TaskName: "echo",
		Parameters: map[string]any{"value": "x"}, IssuedAt: time.Now().UTC(),
	})

	// The fast task completes while the slow one is still blocked.
	results.waitFor(t, 1)
	res, err := protocol.DecodeResult(results.at(0))
	require.NoError(t, err)
	assert.Equal(t, "fast-1", res.CorrelationID)

	close(release)
	results.waitFor(t, 2)
	res, err = protocol.DecodeResult(results.at(1))
	require.NoError(t, err)
	assert.Equal(t, "slow-1", res.CorrelationID)
}

func TestNewAgent_InvalidDeviceID(t *testing.T) {
	broker := memtransport.NewBroker()
	_, err := NewAgent("bad/id", broker.NewConn(), nil)
	assert.Error(t, err)
}
