package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientEvent  MessageType = "client_event"
	TypeClientPing   MessageType = "client_ping"
	TypeAgentMessage MessageType = "agent_message"
	TypeTurnResult   MessageType = "turn_result"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
	TypePong         MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientEvent submits a user message to the conversation the socket is bound to.
type ClientEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SenderID  string      `json:"sender_id,omitempty"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

// AgentMessage is a reply delivered to every subscriber of a conversation.
type AgentMessage struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Text           string      `json:"text"`
	TSMs           int64       `json:"ts_ms"`
}

// TurnResult answers the socket that submitted a ClientEvent.
type TurnResult struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	TurnSeq        int         `json:"turn_seq"`
	Text           string      `json:"text"`
	Steps          []StepBrief `json:"steps"`
}

type StepBrief struct {
	Tag      string `json:"tag"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Skipped  bool   `json:"skipped,omitempty"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	State          string      `json:"state,omitempty"`
	Step           string      `json:"step,omitempty"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientEvent:
		var msg ClientEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_event: text is required")
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
