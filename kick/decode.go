package kick

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope is one decoded inbound frame, ready for normalization.
type Envelope struct {
	Kind            Kind
	Event           string
	Channel         string
	EventID         string
	ChatroomID      string
	OriginTimestamp time.Time
	// Data is the inner event payload with any string encoding removed.
	Data json.RawMessage
	// Raw is the verbatim frame as received.
	Raw []byte
}

type frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel"`
}

// probe pulls the fields shared by most Kick payloads. Each field is decoded
// independently so one odd value does not hide the others.
type probe struct {
	ID        json.RawMessage `json:"id"`
	Chatroom  json.RawMessage `json:"chatroom_id"`
	CreatedAt json.RawMessage `json:"created_at"`
	Permanent json.RawMessage `json:"permanent"`
	Room      json.RawMessage `json:"chatroom"`
}

// Decode parses one raw Pusher frame. Errors wrap ErrDecode.
func Decode(raw []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if f.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrDecode)
	}
	data, err := innerData(f.Data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %w", ErrDecode, f.Event, err)
	}

	env := Envelope{
		Kind:    KindOf(f.Event),
		Event:   f.Event,
		Channel: f.Channel,
		Data:    data,
		Raw:     raw,
	}
	if env.Kind == KindProtocol {
		return env, nil
	}

	var p probe
	if json.Unmarshal(data, &p) == nil {
		var id ID
		if len(p.ID) > 0 && json.Unmarshal(p.ID, &id) == nil {
			env.EventID = id.String()
		}
		var room ID
		if len(p.Chatroom) > 0 && json.Unmarshal(p.Chatroom, &room) == nil {
			env.ChatroomID = room.String()
		} else if len(p.Room) > 0 {
			var nested struct {
				ID ID `json:"id"`
			}
			if json.Unmarshal(p.Room, &nested) == nil {
				env.ChatroomID = nested.ID.String()
			}
		}
		var ts Timestamp
		if len(p.CreatedAt) > 0 && json.Unmarshal(p.CreatedAt, &ts) == nil {
			env.OriginTimestamp = ts.Time
		}
		if env.Kind == KindBan {
			var permanent bool
			_ = json.Unmarshal(p.Permanent, &permanent)
			if !permanent {
				env.Kind = KindTimeout
			}
		}
	} else if env.Kind == KindBan {
		env.Kind = KindTimeout
	}
	if env.ChatroomID == "" {
		env.ChatroomID = ChatroomFromChannel(f.Channel)
	}
	return env, nil
}

// innerData unwraps the data field, which Pusher sends either as an object
// or as a JSON document encoded inside a string.
func innerData(d json.RawMessage) (json.RawMessage, error) {
	d = bytes.TrimSpace(d)
	if len(d) == 0 || string(d) == "null" {
		return json.RawMessage("{}"), nil
	}
	if d[0] != '"' {
		return d, nil
	}
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("data string is not valid JSON")
	}
	return json.RawMessage(s), nil
}

// ChatroomFromChannel extracts the chatroom id from "chatrooms.<id>.v2".
func ChatroomFromChannel(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) >= 2 && parts[0] == "chatrooms" {
		return parts[1]
	}
	return ""
}

// ChatroomChannel is the Pusher channel carrying a chatroom's events.
func ChatroomChannel(chatroomID string) string {
	return "chatrooms." + chatroomID + ".v2"
}
