package comm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message being routed. The bus itself
// only gives meaning to TypeRequest/TypeResponse (correlation matching) and
// TypeNotification (context watch delivery); the rest are routing tags for
// agents.
type MessageType string

const (
	TypeRequest        MessageType = "request"
	TypeResponse       MessageType = "response"
	TypeNotification   MessageType = "notification"
	TypeTaskAssignment MessageType = "task_assignment"
	TypeTaskComplete   MessageType = "task_complete"
	TypeTaskFailed     MessageType = "task_failed"
	TypeQuery          MessageType = "query"
	TypeAnswer         MessageType = "answer"
	TypeProposal       MessageType = "proposal"
	TypeVote           MessageType = "vote"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeShutdown       MessageType = "shutdown"
	TypeError          MessageType = "error"
	TypeBroadcast      MessageType = "broadcast"
)

// BroadcastReceiver is the sentinel receiver meaning "all other registered
// agents".
const BroadcastReceiver = "*"

// Priority bounds. Messages outside the range are clamped at construction.
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// Message is one unit of communication between agents. Messages are
// immutable once published; the With* builders are only meant for use
// between construction and publish.
type Message struct {
	// ID is a unique identifier, generated at creation.
	ID string

	// Sender and Receiver are agent names. Receiver may be
	// BroadcastReceiver.
	Sender   string
	Receiver string

	Type MessageType

	// Content is the payload serialized as JSON text. Use
	// UnmarshalContent to decode into a concrete type.
	Content string

	// Timestamp is assigned by the bus at publish time and is
	// monotonically non-decreasing per bus instance.
	Timestamp time.Time

	// RunID attaches the message to a workflow run. CorrelationID threads
	// a request to its response and is echoed unchanged by Respond.
	RunID         string
	CorrelationID string

	// Priority is 0-10, higher drains first.
	Priority int

	// Metadata is an open key/value bag with no meaning to the bus.
	Metadata map[string]string
}

// NewMessage creates a message with a fresh ID and the content serialized
// to JSON. A nil content produces the JSON null payload.
func NewMessage(sender, receiver string, msgType MessageType, content any) *Message {
	data, err := json.Marshal(content)
	if err != nil {
		// Content is caller-supplied; an unserializable value becomes an
		// error payload rather than a lost message.
		data = []byte(fmt.Sprintf("%q", "unserializable content: "+err.Error()))
	}
	return &Message{
		ID:       uuid.New().String(),
		Sender:   sender,
		Receiver: receiver,
		Type:     msgType,
		Content:  string(data),
		Priority: DefaultPriority,
		Metadata: make(map[string]string),
	}
}

// WithPriority sets the priority, clamped to [MinPriority, MaxPriority].
func (m *Message) WithPriority(p int) *Message {
	if p < MinPriority {
		p = MinPriority
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	m.Priority = p
	return m
}

// WithRunID attaches a workflow run identifier.
func (m *Message) WithRunID(runID string) *Message {
	m.RunID = runID
	return m
}

// WithCorrelationID sets the request/response correlation identifier.
func (m *Message) WithCorrelationID(id string) *Message {
	m.CorrelationID = id
	return m
}

// WithMetadata adds a metadata entry and returns the message for chaining.
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m
}

// UnmarshalContent decodes the JSON content into v.
func (m *Message) UnmarshalContent(v any) error {
	if m.Content == "" {
		return fmt.Errorf("message %s has empty content", m.ID)
	}
	return json.Unmarshal([]byte(m.Content), v)
}

// ContentString decodes the content as a JSON string, returning the raw
// content text when it is not one.
func (m *Message) ContentString() string {
	var s string
	if err := json.Unmarshal([]byte(m.Content), &s); err != nil {
		return m.Content
	}
	return s
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Metadata = make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, %s->%s, Priority:%d}",
		m.ID, m.Type, m.Sender, m.Receiver, m.Priority)
}
