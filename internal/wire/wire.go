// Package wire defines the JSON frames exchanged between the authoritative
// source and its viewers.
package wire

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
	TypeControl  = "control"
	TypeCommand  = "command"
)

const (
	EventConnectionLost     = "connection-lost"
	EventConnectionRestored = "connection-restored"
	EventHeartbeat          = "heartbeat"

	CommandRequestSnapshot = "request-snapshot"
)

var ErrInvalidMessage = errors.New("invalid message")

const schemaURL = "https://statecast.local/schema/envelope.json"

//go:embed envelope.schema.json
var envelopeSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func envelopeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Message is one of *Snapshot, *Delta, *Control or *Command.
type Message interface {
	MessageType() string
}

type Snapshot struct {
	Index uint64 `json:"index"`
	State any    `json:"state"`
}

type Delta struct {
	Index   uint64              `json:"index"`
	Changes []replica.Operation `json:"changes"`
}

type Control struct {
	Event string `json:"event"`
}

type Command struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

func (*Snapshot) MessageType() string { return TypeSnapshot }
func (*Delta) MessageType() string    { return TypeDelta }
func (*Control) MessageType() string  { return TypeControl }
func (*Command) MessageType() string  { return TypeCommand }

// RequestSnapshot builds the viewer's resync command.
func RequestSnapshot(reason string) *Command {
	return &Command{Command: CommandRequestSnapshot, Reason: reason}
}

// Encode renders m as a frame with its type field set.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Snapshot:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Snapshot
		}{TypeSnapshot, v})
	case *Delta:
		changes := v.Changes
		if changes == nil {
			changes = []replica.Operation{}
		}
		return json.Marshal(struct {
			Type    string              `json:"type"`
			Index   uint64              `json:"index"`
			Changes []replica.Operation `json:"changes"`
		}{TypeDelta, v.Index, changes})
	case *Control:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Control
		}{TypeControl, v})
	case *Command:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Command
		}{TypeCommand, v})
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, m)
	}
}

// Decode validates data against the envelope schema and returns the typed
// message. Every failure wraps ErrInvalidMessage.
func Decode(data []byte) (Message, error) {
	sch, err := envelopeSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg Message
	switch head.Type {
	case TypeSnapshot:
		msg = &Snapshot{}
	case TypeDelta:
		msg = &Delta{}
	case TypeControl:
		msg = &Control{}
	case TypeCommand:
		msg = &Command{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}
