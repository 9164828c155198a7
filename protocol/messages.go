package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/taskwire/errors"
)

// Status values for ResultMessage
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Well-known DeathNotice reasons. The field is free-form on the wire;
// these are the values this implementation produces.
const (
	ReasonConnectionLost = "connection_lost"
	ReasonShutdown       = "shutdown"
)

// ParameterSpec describes a single task parameter. The order of specs in a
// descriptor's ParameterSchema is significant and preserved on the wire.
type ParameterSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// TaskDescriptor describes a named operation a device can perform.
// Descriptors are immutable after registration and unique by name within
// one device's registry.
type TaskDescriptor struct {
	Name            string          `json:"name"`
	ParameterSchema []ParameterSpec `json:"parameter_schema"`
	Summary         string          `json:"summary,omitempty"`
}

// CommandMessage is published by an orchestrator to a device's command
// topic. The transport may redeliver it: a device must tolerate executing
// the same command more than once.
type CommandMessage struct {
	CorrelationID string         `json:"correlation_id"`
	TaskName      string         `json:"task_name"`
	Parameters    map[string]any `json:"parameters"`
	IssuedAt      time.Time      `json:"issued_at"`
}

// ResultMessage is published by a device to its result topic after
// executing (or failing to execute) a command. CorrelationID always echoes
// the originating command; the device never invents correlation ids.
type ResultMessage struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	Result        any       `json:"result,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// BirthAnnouncement is a full snapshot of a device's capabilities,
// published once per connection establishment and again whenever the task
// set changes. Each announcement entirely supersedes the previous one.
type BirthAnnouncement struct {
	DeviceID    string           `json:"device_id"`
	Tasks       []TaskDescriptor `json:"tasks"`
	AnnouncedAt time.Time        `json:"announced_at"`
}

// DeathNotice signals that a device has gone offline. It is registered
// with the transport as the connection's last will so abnormal disconnects
// still notify subscribers.
type DeathNotice struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

// EncodeCommand serializes a command message to its wire form.
func EncodeCommand(cmd *CommandMessage) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "EncodeCommand", "marshal command")
	}
	return data, nil
}

// DecodeCommand parses a command message from its wire form. On failure the
// returned message is non-nil if a correlation id could be salvaged from
// the payload, so the device can still answer with MalformedCommand.
func DecodeCommand(data []byte) (*CommandMessage, error) {
	var cmd CommandMessage
	if err := json.Unmarshal(data, &cmd); err != nil {
		return salvageCorrelation(data), errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedCommand, err),
			"protocol", "DecodeCommand", "unmarshal command")
	}
	if err := cmd.Validate(); err != nil {
		return &cmd, err
	}
	return &cmd, nil
}

// Validate checks required command fields.
func (c *CommandMessage) Validate() error {
	if c.CorrelationID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing correlation_id", errors.ErrMalformedCommand),
			"protocol", "Validate", "check command fields")
	}
	if c.TaskName == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing task_name", errors.ErrMalformedCommand),
			"protocol", "Validate", "check command fields")
	}
	return nil
}

// salvageCorrelation attempts to recover just the correlation id from an
// otherwise unparseable payload. Returns nil if nothing was recoverable.
func salvageCorrelation(data []byte) *CommandMessage {
	var probe struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.CorrelationID == "" {
		return nil
	}
	return &CommandMessage{CorrelationID: probe.CorrelationID}
}

// EncodeResult serializes a result message to its wire form.
func EncodeResult(res *ResultMessage) ([]byte, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "EncodeResult", "marshal result")
	}
	return data, nil
}

// DecodeResult parses a result message from its wire form.
func DecodeResult(data []byte) (*ResultMessage, error) {
	var res ResultMessage
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "DecodeResult", "unmarshal result")
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

// Validate checks required result fields.
func (r *ResultMessage) Validate() error {
	if r.CorrelationID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("missing correlation_id"),
			"protocol", "Validate", "check result fields")
	}
	switch r.Status {
	case StatusSuccess:
	case StatusError:
		if r.ErrorKind == "" {
			return errors.WrapInvalid(
				fmt.Errorf("error result missing error_kind"),
				"protocol", "Validate", "check result fields")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown status %q", r.Status),
			"protocol", "Validate", "check result fields")
	}
	return nil
}

// EncodeBirth serializes a birth announcement to its wire form.
func EncodeBirth(b *BirthAnnouncement) ([]byte, error) {
	if b.DeviceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("missing device_id"),
			"protocol", "EncodeBirth", "check birth fields")
	}
	if b.Tasks == nil {
		// The wire contract requires the tasks field even when empty.
		b = &BirthAnnouncement{DeviceID: b.DeviceID, Tasks: []TaskDescriptor{}, AnnouncedAt: b.AnnouncedAt}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "EncodeBirth", "marshal birth")
	}
	return data, nil
}

// DecodeBirth parses a birth announcement from its wire form.
func DecodeBirth(data []byte) (*BirthAnnouncement, error) {
	var b BirthAnnouncement
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "DecodeBirth", "unmarshal birth")
	}
	if b.DeviceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("missing device_id"),
			"protocol", "DecodeBirth", "check birth fields")
	}
	return &b, nil
}

// EncodeDeath serializes a death notice to its wire form.
func EncodeDeath(d *DeathNotice) ([]byte, error) {
	if d.DeviceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("missing device_id"),
			"protocol", "EncodeDeath", "check death fields")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "EncodeDeath", "marshal death")
	}
	return data, nil
}

// DecodeDeath parses a death notice from its wire form.
func DecodeDeath(data []byte) (*DeathNotice, error) {
	var d DeathNotice
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "DecodeDeath", "unmarshal death")
	}
	if d.DeviceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("missing device_id"),
			"protocol", "DecodeDeath", "check death fields")
	}
	return &d, nil
}
