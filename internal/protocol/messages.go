// Package protocol defines the websocket payloads of the session turn channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/contextd/contextd/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAppendTurn MessageType = "append_turn"
	TypeCompact    MessageType = "compact"
	TypeReadState  MessageType = "read_state"

	TypeEventAppended   MessageType = "event_appended"
	TypeCompactionEvent MessageType = "compaction_event"
	TypeStateSnapshot   MessageType = "state_snapshot"
	TypeErrorEvent      MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TurnEvent is one event as submitted by the client, before the store
// assigns identity and sequence.
type TurnEvent struct {
	Author     session.Author       `json:"author"`
	Text       string               `json:"text"`
	StateDelta []session.StateEntry `json:"state_delta,omitempty"`
}

// AppendTurn submits the events of one completed turn.
type AppendTurn struct {
	Type   MessageType `json:"type"`
	Events []TurnEvent `json:"events"`
}

// Compact requests a manual compaction check.
type Compact struct {
	Type MessageType `json:"type"`
}

// ReadState requests the merged state view.
type ReadState struct {
	Type MessageType `json:"type"`
}

type EventAppended struct {
	Type  MessageType   `json:"type"`
	Event session.Event `json:"event"`
}

type CompactionEvent struct {
	Type  MessageType   `json:"type"`
	Event session.Event `json:"event"`
}

type StateSnapshot struct {
	Type  MessageType       `json:"type"`
	State session.StateView `json:"state"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAppendTurn:
		var msg AppendTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Events) == 0 {
			return nil, errors.New("append_turn requires at least one event")
		}
		for _, ev := range msg.Events {
			switch ev.Author {
			case session.AuthorUser, session.AuthorAgent, session.AuthorSystem:
			default:
				return nil, fmt.Errorf("invalid event author %q", ev.Author)
			}
		}
		return msg, nil
	case TypeCompact:
		return Compact{Type: TypeCompact}, nil
	case TypeReadState:
		return ReadState{Type: TypeReadState}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
