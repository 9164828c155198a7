package natstransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/pkg/retry"
	"github.com/c360/taskwire/transport"
)

// Test basic client creation with defaults
func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NotNil(t, client)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, transport.StatusDisconnected, client.Status())
	assert.Equal(t, DefaultStream, client.streamName)
	assert.Equal(t, 10*time.Second, client.keepAlive)
}

func TestNewClient_Options(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithStream("CUSTOM"),
		WithKeepAlive(4*time.Second),
		WithPublishRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		WithMaxReconnects(3),
		WithReconnectWait(500*time.Millisecond),
		WithReconnectCeiling(10*time.Second),
		WithTimeout(time.Second),
		WithCredentials("user", "pass"),
	)
	require.NoError(t, err)

	assert.Equal(t, "CUSTOM", client.streamName)
	assert.Equal(t, 4*time.Second, client.keepAlive)
	assert.Equal(t, 2, client.publishRetry.MaxAttempts)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, 500*time.Millisecond, client.reconnectWait)
	assert.Equal(t, 10*time.Second, client.reconnectCeiling)
	assert.Equal(t, time.Second, client.timeout)
	assert.Equal(t, "user", client.username)
}

// Keep-alive shorter than a second is clamped: the liveness beat interval
// is a third of it and must stay meaningful.
func TestWithKeepAlive_ClampsMinimum(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithKeepAlive(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.keepAlive)
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "devices/d1/command", []byte("{}"), transport.AtLeastOnce)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestSubscribe_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.Subscribe(context.Background(), "devices/*/result",
		func(context.Context, string, []byte) {})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestConnect_EmptyIdentity(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Connect(context.Background(), "", nil)
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDisconnect_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Disconnect(context.Background(), true))
	assert.NoError(t, client.Disconnect(context.Background(), true))
}

func TestSubjectMapping(t *testing.T) {
	cases := []struct {
		topic   string
		subject string
	}{
		{"devices/kuka-01/command", "devices.kuka-01.command"},
		{"devices/*/birth", "devices.*.birth"},
		{"devices/d_2/death", "devices.d_2.death"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.subject, topicToSubject(tc.topic))
		assert.Equal(t, tc.topic, subjectToTopic(tc.subject))
	}
}

func TestReconnectDelay_Backoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithReconnectWait(time.Second),
		WithReconnectCeiling(8*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.reconnectDelay(1))
	assert.Equal(t, 2*time.Second, client.reconnectDelay(2))
	assert.Equal(t, 4*time.Second, client.reconnectDelay(3))
	assert.Equal(t, 8*time.Second, client.reconnectDelay(4))
	assert.Equal(t, 8*time.Second, client.reconnectDelay(10))
}
