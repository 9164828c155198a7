package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"devices/bench-1/command", "devices/bench-1/command", true},
		{"devices/*/birth", "devices/bench-1/birth", true},
		{"devices/*/birth", "devices/cam-2/birth", true},
		{"devices/*/birth", "devices/bench-1/death", false},
		{"devices/*/*", "devices/bench-1/result", true},
		{"devices/*/birth", "devices/bench-1", false},
		{"devices/bench-1/command", "devices/bench-2/command", false},
		{"*", "devices", true},
		{"*", "devices/bench-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestDeliveryQualityStrings(t *testing.T) {
	assert.Equal(t, "at_most_once", AtMostOnce.String())
	assert.Equal(t, "at_least_once", AtLeastOnce.String())
	assert.Equal(t, "unknown", DeliveryQuality(9).String())
}
