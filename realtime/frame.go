package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	FrameTypePing         = "ping"
	FrameTypePong         = "pong"
	FrameTypeMessage      = "message"
	FrameTypeNotification = "notification"
)

// jsonMarshal is swapped out in tests to exercise encoding failures.
var jsonMarshal = json.Marshal

var errEmptyFrame = errors.New("realtime: empty frame")

// Frame is one inbound JSON frame. Type is lifted from the envelope; the full
// payload stays available in Raw for typed decoding.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

func parseFrame(data []byte) (Frame, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Frame{}, errEmptyFrame
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Frame{}, fmt.Errorf("realtime: decode frame: %w", err)
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Type: envelope.Type, Raw: raw}, nil
}

// Decode unmarshals the raw frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// Message decodes a chat message frame.
func (f Frame) Message() (IncomingMessage, error) {
	if f.Type != FrameTypeMessage {
		return IncomingMessage{}, fmt.Errorf("realtime: frame type %q is not a message", f.Type)
	}
	var msg IncomingMessage
	if err := f.Decode(&msg); err != nil {
		return IncomingMessage{}, fmt.Errorf("realtime: decode message: %w", err)
	}
	return msg, nil
}

// Notification decodes a notification frame.
func (f Frame) Notification() (Notification, error) {
	if f.Type != FrameTypeNotification {
		return Notification{}, fmt.Errorf("realtime: frame type %q is not a notification", f.Type)
	}
	var wrapper struct {
		Data Notification `json:"data"`
	}
	if err := f.Decode(&wrapper); err != nil {
		return Notification{}, fmt.Errorf("realtime: decode notification: %w", err)
	}
	return wrapper.Data, nil
}

// ChatMessage is the outbound chat frame.
type ChatMessage struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// NewChatMessage builds a chat frame addressed to recipientID.
func NewChatMessage(recipientID, content string) ChatMessage {
	return ChatMessage{Type: FrameTypeMessage, RecipientID: recipientID, Content: content}
}

type pingFrame struct {
	Type string `json:"type"`
}

var ping = pingFrame{Type: FrameTypePing}

// IncomingMessage is a chat message pushed by the server.
type IncomingMessage struct {
	Type        string `json:"type"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
}

// Time parses the server timestamp.
func (m IncomingMessage) Time() (time.Time, error) {
	return parseTimestamp(m.Timestamp)
}

// Notification is the payload of a notification frame. The backend sends one
// alongside every chat message and for likes, matches and profile views.
type Notification struct {
	Type      string `json:"type"`
	SenderID  string `json:"sender_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Time parses the server timestamp.
func (n Notification) Time() (time.Time, error) {
	return parseTimestamp(n.Timestamp)
}

// The backend emits naive UTC ISO-8601 timestamps without an offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("realtime: empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("realtime: unrecognised timestamp %q", raw)
}
