package protocol

import (
	"fmt"
	"strings"

	"github.com/c360/taskwire/errors"
)

// Topic kinds per device.
const (
	TopicCommand = "command"
	TopicResult  = "result"
	TopicBirth   = "birth"
	TopicDeath   = "death"
)

const topicRoot = "devices"

// Wildcard matches any device id in a topic pattern.
const Wildcard = "*"

// CommandTopic returns the command topic for a device.
func CommandTopic(deviceID string) string {
	return deviceTopic(deviceID, TopicCommand)
}

// ResultTopic returns the result topic for a device.
func ResultTopic(deviceID string) string {
	return deviceTopic(deviceID, TopicResult)
}

// BirthTopic returns the capability-announcement topic for a device.
func BirthTopic(deviceID string) string {
	return deviceTopic(deviceID, TopicBirth)
}

// DeathTopic returns the liveness topic for a device. This is the target
// registered with the transport as the device connection's last will.
func DeathTopic(deviceID string) string {
	return deviceTopic(deviceID, TopicDeath)
}

func deviceTopic(deviceID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", topicRoot, deviceID, kind)
}

// ParseTopic splits a device topic into its device id and kind.
func ParseTopic(topic string) (deviceID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[1] == "" || parts[2] == "" {
		return "", "", errors.WrapInvalid(
			fmt.Errorf("not a device topic: %q", topic),
			"protocol", "ParseTopic", "split topic")
	}
	switch parts[2] {
	case TopicCommand, TopicResult, TopicBirth, TopicDeath:
	default:
		return "", "", errors.WrapInvalid(
			fmt.Errorf("unknown topic kind %q", parts[2]),
			"protocol", "ParseTopic", "check topic kind")
	}
	return parts[1], parts[2], nil
}

// ValidateDeviceID restricts device ids to characters that are safe in
// every transport's subject syntax.
func ValidateDeviceID(id string) error {
	if id == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty device id"),
			"protocol", "ValidateDeviceID", "check device id")
	}
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_') {
			return errors.WrapInvalid(
				fmt.Errorf("invalid character %q in device id %q", r, id),
				"protocol", "ValidateDeviceID", "check device id")
		}
	}
	return nil
}
