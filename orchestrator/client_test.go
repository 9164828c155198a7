package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskwire/device"
	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/protocol"
	"github.com/c360/taskwire/task"
	"github.com/c360/taskwire/transport"
	"github.com/c360/taskwire/transport/memtransport"
)

// startBenchDevice runs an agent with add and multiply tasks, mirroring a
// minimal lab bench.
func startBenchDevice(t *testing.T, broker *memtransport.Broker, deviceID string) *device.Agent {
	t.Helper()

	registry := task.NewRegistry()
	numberPair := []protocol.ParameterSpec{
		{Name: "a", Type: "number", Required: true},
		{Name: "b", Type: "number", Required: true},
	}
	registry.Register("add", func(_ context.Context, p map[string]any) (any, error) {
		return p["a"].(float64) + p["b"].(float64), nil
	}, numberPair, "adds two numbers")
	registry.Register("multiply", func(_ context.Context, p map[string]any) (any, error) {
		return p["a"].(float64) * p["b"].(float64), nil
	}, numberPair, "multiplies two numbers")
	registry.Register("echo", func(_ context.Context, p map[string]any) (any, error) {
		return p["value"], nil
	}, []protocol.ParameterSpec{{Name: "value", Type: "any", Required: true}}, "")
	registry.Register("sleep", func(ctx context.Context, p map[string]any) (any, error) {
		d := time.Duration(p["ms"].(float64)) * time.Millisecond
		select {
		case <-time.After(d):
			return "woke", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, []protocol.ParameterSpec{{Name: "ms", Type: "number", Required: true}}, "")

	agent, err := device.NewAgent(deviceID, broker.NewConn(), registry)
	require.NoError(t, err)
	require.NoError(t, agent.Start(context.Background()))
	t.Cleanup(func() { _ = agent.Stop(context.Background()) })
	return agent
}

func startClient(t *testing.T, broker *memtransport.Broker) *Client {
	t.Helper()
	client, err := NewClient(broker.NewConn())
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })
	return client
}

func TestInvoke_EchoRoundTrip(t *testing.T) {
	broker := memtransport.NewBroker()
	startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	result, err := client.Invoke(context.Background(), "bench-1", "echo",
		map[string]any{"value": "hello"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestInvoke_BenchAddMultiply(t *testing.T) {
	broker := memtransport.NewBroker()
	startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	ctx := context.Background()
	sum, err := client.Invoke(ctx, "bench-1", "add",
		map[string]any{"a": 2.0, "b": 3.0}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5.0, sum)

	product, err := client.Invoke(ctx, "bench-1", "multiply",
		map[string]any{"a": 4.0, "b": 5.0}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 20.0, product)
}

func TestInvoke_UnknownTask(t *testing.T) {
	broker := memtransport.NewBroker()
	startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	_, err := client.Invoke(context.Background(), "bench-1", "no-such-task", nil, 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTaskNotFound)
}

func TestInvoke_MalformedParameters(t *testing.T) {
	broker := memtransport.NewBroker()
	startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	// Missing required parameter b.
	_, err := client.Invoke(context.Background(), "bench-1", "add",
		map[string]any{"a": 2.0}, 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedCommand)
}

func TestInvoke_TimeoutCleansPendingTable(t *testing.T) {
	broker := memtransport.NewBroker()
	startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	start := time.Now()
	_, err := client.Invoke(context.Background(), "bench-1", "sleep",
		map[string]any{"ms": 500.0}, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)

	client.mu.Lock()
	assert.Empty(t, client.pending)
	client.mu.Unlock()

	// The late result arrives eventually and is dropped as an orphan, not
	// delivered to anyone.
	time.Sleep(600 * time.Millisecond)
	client.mu.Lock()
	assert.Empty(t, client.pending)
	client.mu.Unlock()
}

func TestInvoke_ConcurrentInvocationsNoCrossTalk(t *testing.T) {
	broker := memtransport.NewBroker()
	startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	const n = 12
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Invoke(context.Background(), "bench-1", "echo",
				map[string]any{"value": fmt.Sprintf("msg-%d", i)}, 5*time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("msg-%d", i), results[i])
	}
}

func TestInvoke_DeathFailsPendingWithDeviceUnavailable(t *testing.T) {
	broker := memtransport.NewBroker()
	agent := startBenchDevice(t, broker, "bench-1")
	client := startClient(t, broker)

	done := make(chan error, 1)
	go func() {
		_, err := client.Invoke(context.Background(), "bench-1", "sleep",
			map[string]any{"ms": 5000.0}, 30*time.Second)
		done <- err
	}()

	// Let the command land on the device before killing it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, agent.Stop(context.Background()))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDeviceUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not fail on death notice")
	}

	client.mu.Lock()
	assert.Empty(t, client.pending)
	client.mu.Unlock()
}

func TestInvoke_InvalidDeviceID(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)

	_, err := client.Invoke(context.Background(), "bad/id", "echo", nil, time.Second)
	assert.Error(t, err)
}

func TestDiscover_CachedBirthAnswersImmediately(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)
	startBenchDevice(t, broker, "bench-1")

	// Wait for the birth to land in the directory.
	require.Eventually(t, func() bool {
		return client.Directory().Online("bench-1")
	}, 2*time.Second, 5*time.Millisecond)

	tasks, err := client.Discover(context.Background(), "bench-1", 10*time.Millisecond)
	require.NoError(t, err)
	names := make([]string, len(tasks))
	for i, d := range tasks {
		names[i] = d.Name
	}
	assert.Contains(t, names, "add")
	assert.Contains(t, names, "multiply")
}

func TestDiscover_WaitsForLateBirth(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)

	go func() {
		time.Sleep(150 * time.Millisecond)
		startBenchDevice(t, broker, "bench-2")
	}()

	tasks, err := client.Discover(context.Background(), "bench-2", 3*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, tasks)
}

// Races births against discovery: the announcement must answer whichever
// side records first, including the window between the cache lookup and
// waiter registration inside Discover.
func TestDiscover_BirthDuringLookupNotMissed(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)

	for i := 0; i < 500; i++ {
		deviceID := fmt.Sprintf("dev-%d", i)
		go client.directory.recordBirth(&protocol.BirthAnnouncement{
			DeviceID:    deviceID,
			Tasks:       []protocol.TaskDescriptor{{Name: "echo"}},
			AnnouncedAt: time.Now().UTC(),
		})

		tasks, err := client.Discover(context.Background(), deviceID, 2*time.Second)
		require.NoError(t, err, "discovery missed the birth for %s", deviceID)
		require.Len(t, tasks, 1)
	}
}

func TestDiscover_Timeout(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)

	_, err := client.Discover(context.Background(), "ghost", 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDiscoveryTimeout)
}

func TestDirectory_TracksLifecycle(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)
	agent := startBenchDevice(t, broker, "bench-1")

	require.Eventually(t, func() bool {
		return client.Directory().Online("bench-1")
	}, 2*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var changes []ChangeKind
	client.Directory().OnChange(func(ch Change) {
		mu.Lock()
		changes = append(changes, ch.Kind)
		mu.Unlock()
	})

	require.NoError(t, agent.Stop(context.Background()))

	require.Eventually(t, func() bool {
		return !client.Directory().Online("bench-1")
	}, 2*time.Second, 5*time.Millisecond)

	devices := client.Directory().Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "bench-1", devices[0].DeviceID)
	assert.False(t, devices[0].Online)
	assert.Equal(t, protocol.ReasonShutdown, devices[0].LastReason)

	mu.Lock()
	assert.Contains(t, changes, ChangeDeath)
	mu.Unlock()
}

func TestDirectory_SeveredDeviceMarkedOffline(t *testing.T) {
	broker := memtransport.NewBroker()
	client := startClient(t, broker)
	startBenchDevice(t, broker, "bench-1")

	require.Eventually(t, func() bool {
		return client.Directory().Online("bench-1")
	}, 2*time.Second, 5*time.Millisecond)

	broker.Sever("bench-1")

	require.Eventually(t, func() bool {
		devices := client.Directory().Devices()
		return len(devices) == 1 && !devices[0].Online &&
			devices[0].LastReason == protocol.ReasonConnectionLost
	}, 2*time.Second, 5*time.Millisecond)
}

var _ transport.Transport = (*memtransport.Conn)(nil)
