// Package wire defines the websocket frames exchanged between sync sessions
// and replicas.
//
// Every frame is a JSON Message whose Data holds the payload for its Type.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

// MessageType identifies a frame.
type MessageType string

const (
	// Client to server.
	TypeHello        MessageType = "HELLO"
	TypeSyncRequest  MessageType = "SYNC_REQUEST"
	TypeUpsertEntity MessageType = "UPSERT_ENTITY"
	TypePatchEntity  MessageType = "PATCH_ENTITY"

	// Server to client.
	TypeWelcome       MessageType = "WELCOME"
	TypeSyncResponse  MessageType = "SYNC_RESPONSE"
	TypeEntityUpdated MessageType = "ENTITY_UPDATED"
	TypeEntityPatched MessageType = "ENTITY_PATCHED"
	TypeStreamChunk   MessageType = "STREAM_CHUNK"
	TypeError         MessageType = "ERROR"
)

// Message is the frame envelope.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hello opens a session and announces the client's protocol version.
type Hello struct {
	Protocol string `json:"protocol"`
	ClientID string `json:"clientId,omitempty"`
}

// Welcome accepts a session.
type Welcome struct {
	Protocol string       `json:"protocol"`
	ConnID   string       `json:"connId"`
	Cursor   schema.Stamp `json:"cursor"`
}

// SyncRequest asks for everything changed after Since; empty means all.
type SyncRequest struct {
	Since schema.Stamp `json:"since,omitempty"`
}

// SyncResponse is a snapshot answer.
type SyncResponse = store.Snapshot

// UpsertEntity carries a full record.
type UpsertEntity struct {
	Kind   schema.Kind     `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// PatchEntity carries changed fields of one record.
type PatchEntity struct {
	Kind      schema.Kind  `json:"kind"`
	ID        string       `json:"id"`
	Fields    delta.Fields `json:"fields"`
	UpdatedAt schema.Stamp `json:"updatedAt"`
}

// EntityUpdated broadcasts an accepted full write.
type EntityUpdated = UpsertEntity

// EntityPatched broadcasts an accepted patch.
type EntityPatched = PatchEntity

// StreamChunk broadcasts generated output as it arrives.
type StreamChunk struct {
	TaskID      string       `json:"taskId"`
	Chunk       string       `json:"chunk"`
	Accumulated string       `json:"accumulated"`
	UpdatedAt   schema.Stamp `json:"updatedAt"`
}

// Error codes.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeProtocol   = "protocol"
	CodeInternal   = "internal"
)

// Error reports a rejected frame to its sender only.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Kind    schema.Kind `json:"kind,omitempty"`
	ID      string      `json:"id,omitempty"`
}

// Encode marshals a payload into a frame.
func Encode(t MessageType, payload any) ([]byte, error) {
	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", t, err)
	}
	return out, nil
}

// Decode parses a frame envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("malformed frame: missing type")
	}
	return msg, nil
}

// Payload unmarshals the frame data into v.
func (m Message) Payload(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s frame has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", m.Type, err)
	}
	return nil
}

// NewUpsert builds an UPSERT_ENTITY or ENTITY_UPDATED payload from a record.
func NewUpsert(rec schema.Record) (UpsertEntity, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return UpsertEntity{}, fmt.Errorf("failed to marshal %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	return UpsertEntity{Kind: rec.Kind(), Record: data}, nil
}

// Decode returns the carried record. It does not validate.
func (u UpsertEntity) Decode() (schema.Record, error) {
	return schema.Decode(u.Kind, u.Record)
}
