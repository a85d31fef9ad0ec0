package kick

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Record is the canonical, storage-ready form of any event.
type Record struct {
	EventType  Kind
	EventID    string
	ChatroomID string
	// Timestamp is the origin-asserted time; zero when the event carries none.
	Timestamp  time.Time
	UserID     string
	Username   string
	Content    string
	SenderData json.RawMessage
	Metadata   json.RawMessage
	RawPayload json.RawMessage
	// StoredAt is set by the sink after a successful write.
	StoredAt time.Time
}

// Rule turns one envelope of a known kind into a record. Rules are pure.
type Rule func(env Envelope) (Record, error)

// Normalizer dispatches envelopes to per-kind rules.
type Normalizer struct {
	mu    sync.RWMutex
	rules map[Kind]Rule
}

// NewNormalizer returns a normalizer with no rules; every kind falls back to unknown.
func NewNormalizer() *Normalizer {
	return &Normalizer{rules: make(map[Kind]Rule)}
}

// DefaultNormalizer returns a normalizer with a rule for every Kick event kind.
func DefaultNormalizer() *Normalizer {
	n := NewNormalizer()
	for k, r := range defaultRules() {
		n.Register(k, r)
	}
	return n
}

// Register installs or replaces the rule for kind k.
func (n *Normalizer) Register(k Kind, r Rule) {
	n.mu.Lock()
	n.rules[k] = r
	n.mu.Unlock()
}

// Normalize maps env to a record. If the rule rejects the payload the
// returned record is the unknown fallback and err wraps ErrNormalize, so the
// caller can store the record and still count the failure.
func (n *Normalizer) Normalize(env Envelope) (Record, error) {
	if env.Kind == KindProtocol {
		return Record{}, fmt.Errorf("%w: protocol frame %s", ErrNormalize, env.Event)
	}
	n.mu.RLock()
	rule, ok := n.rules[env.Kind]
	n.mu.RUnlock()
	if !ok {
		return n.Fallback(env), nil
	}
	rec, err := rule(env)
	if err != nil {
		return n.Fallback(env), fmt.Errorf("%w: %s: %w", ErrNormalize, env.Kind, err)
	}
	return rec, nil
}

// Fallback renders env as an unknown record that keeps the raw payload.
func (n *Normalizer) Fallback(env Envelope) Record {
	rec := baseRecord(env)
	rec.EventType = KindUnknown
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Data); err == nil {
		rec.Content = compact.String()
	} else {
		rec.Content = string(env.Data)
	}
	rec.Metadata = wrapMetadata(env.Event, env.Data)
	var named struct {
		Username string `json:"username"`
	}
	if json.Unmarshal(env.Data, &named) == nil {
		rec.Username = named.Username
	}
	return rec
}

func baseRecord(env Envelope) Record {
	return Record{
		EventType:  env.Kind,
		EventID:    env.EventID,
		ChatroomID: env.ChatroomID,
		Timestamp:  env.OriginTimestamp,
		RawPayload: rawPayload(env),
	}
}

func rawPayload(env Envelope) json.RawMessage {
	if len(env.Raw) > 0 && json.Valid(env.Raw) {
		return json.RawMessage(env.Raw)
	}
	b, _ := json.Marshal(map[string]any{"event": env.Event, "data": env.Data})
	return b
}

func wrapMetadata(event string, data json.RawMessage) json.RawMessage {
	b, err := json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{event, data})
	if err != nil {
		return nil
	}
	return b
}
