package comm

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcomm-dev/agentcomm/pkg/observability"
)

// Default capacity limits. Both are deliberate lossy-under-overload bounds:
// when a queue or the history is full the oldest entry is evicted, never an
// error.
const (
	DefaultQueueCapacity   = 1000
	DefaultHistoryCapacity = 10000
)

// requestPollInterval is how often a blocked Request rescans the sender's
// queue for a matching response.
const requestPollInterval = 5 * time.Millisecond

// Directory supplies the current set of registered agent names for
// broadcast fan-out. The agent registry implements it. A nil Directory
// means broadcasts reach subscribers only.
type Directory interface {
	Names() []string
}

// Handler is invoked synchronously in the publisher's goroutine for every
// published message of the registered type. Handlers must not block
// indefinitely; a panicking handler is recovered and logged without
// affecting delivery.
type Handler func(*Message)

type queuedMessage struct {
	msg *Message
	seq uint64
}

// MessageBus routes messages between agents through per-agent bounded FIFO
// queues. All methods are safe for concurrent use; only Request blocks, and
// only the calling goroutine.
type MessageBus struct {
	mu         sync.Mutex
	queues     map[string][]queuedMessage
	subs       map[MessageType]map[string]struct{}
	handlers   map[MessageType][]Handler
	history    []*Message
	seq        uint64
	lastStamp  time.Time
	queueCap   int
	historyCap int
	directory  Directory
}

// BusOption configures a MessageBus.
type BusOption func(*MessageBus)

// WithQueueCapacity sets the per-agent queue capacity.
func WithQueueCapacity(n int) BusOption {
	return func(b *MessageBus) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// WithHistoryCapacity sets the global history capacity.
func WithHistoryCapacity(n int) BusOption {
	return func(b *MessageBus) {
		if n > 0 {
			b.historyCap = n
		}
	}
}

// WithDirectory wires the agent directory used to resolve broadcast
// recipients.
func WithDirectory(d Directory) BusOption {
	return func(b *MessageBus) { b.directory = d }
}

// NewMessageBus creates a message bus with the default capacities.
func NewMessageBus(opts ...BusOption) *MessageBus {
	b := &MessageBus{
		queues:     make(map[string][]queuedMessage),
		subs:       make(map[MessageType]map[string]struct{}),
		handlers:   make(map[MessageType][]Handler),
		queueCap:   DefaultQueueCapacity,
		historyCap: DefaultHistoryCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish routes msg to its recipients and returns their names.
//
// Recipients are the direct receiver (or, for BroadcastReceiver, every
// directory agent except the sender) plus all agents subscribed to the
// message type, deduplicated so each agent receives the message at most
// once. Publishing to an unknown receiver is not an error: the queue is
// created on demand. Never blocks.
func (b *MessageBus) Publish(msg *Message) []string {
	var directoryNames []string
	if msg.Receiver == BroadcastReceiver && b.directory != nil {
		// Resolved outside the bus lock; the directory has its own lock.
		directoryNames = b.directory.Names()
	}

	b.mu.Lock()
	b.stamp(msg)

	recipients := make([]string, 0, 4)
	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		recipients = append(recipients, name)
	}

	if msg.Receiver == BroadcastReceiver {
		for _, name := range directoryNames {
			if name != msg.Sender {
				add(name)
			}
		}
	} else {
		add(msg.Receiver)
	}
	for name := range b.subs[msg.Type] {
		add(name)
	}
	sort.Strings(recipients) // deterministic fan-out order

	for _, name := range recipients {
		b.enqueue(name, msg)
	}
	b.appendHistory(msg)
	handlers := append([]Handler(nil), b.handlers[msg.Type]...)
	b.mu.Unlock()

	observability.RecordMessagePublished(string(msg.Type))
	for _, h := range handlers {
		b.runHandler(h, msg)
	}
	return recipients
}

// stamp assigns a publish timestamp that never goes backwards within this
// bus instance, so equal-priority ordering has a total order. Caller holds
// the lock.
func (b *MessageBus) stamp(msg *Message) {
	now := time.Now().UTC()
	if !now.After(b.lastStamp) {
		now = b.lastStamp.Add(time.Nanosecond)
	}
	b.lastStamp = now
	msg.Timestamp = now
}

// enqueue appends to a recipient queue, evicting the oldest entry when the
// queue is at capacity. Caller holds the lock.
func (b *MessageBus) enqueue(name string, msg *Message) {
	q := b.queues[name]
	if len(q) >= b.queueCap {
		q = q[1:]
		observability.RecordQueueEviction(name)
		log.Printf("comm: queue for %s full, evicted oldest message", name)
	}
	b.seq++
	b.queues[name] = append(q, queuedMessage{msg: msg, seq: b.seq})
	observability.SetQueueDepth(name, len(b.queues[name]))
}

func (b *MessageBus) appendHistory(msg *Message) {
	if len(b.history) >= b.historyCap {
		b.history = b.history[1:]
		observability.RecordHistoryEviction()
	}
	b.history = append(b.history, msg)
}

func (b *MessageBus) runHandler(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("comm: handler panic for %s message: %v", msg.Type, r)
		}
	}()
	h(msg)
}

// Broadcast publishes content to all other registered agents. Returns the
// recipient names.
func (b *MessageBus) Broadcast(sender string, msgType MessageType, content any) []string {
	return b.Publish(NewMessage(sender, BroadcastReceiver, msgType, content))
}

// GetMessages drains up to limit queued messages for the agent, ordered by
// priority descending then enqueue order ascending within a priority band.
// A limit <= 0 drains everything. Returns an empty slice when the queue is
// empty; never blocks.
func (b *MessageBus) GetMessages(agentName string, limit int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[agentName]
	if len(q) == 0 {
		return []*Message{}
	}

	ordered := make([]queuedMessage, len(q))
	copy(ordered, q)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].msg.Priority != ordered[j].msg.Priority {
			return ordered[i].msg.Priority > ordered[j].msg.Priority
		}
		return ordered[i].seq < ordered[j].seq
	})

	n := len(ordered)
	if limit > 0 && limit < n {
		n = limit
	}

	taken := make(map[uint64]struct{}, n)
	out := make([]*Message, 0, n)
	for _, qm := range ordered[:n] {
		taken[qm.seq] = struct{}{}
		out = append(out, qm.msg)
	}

	remaining := q[:0]
	for _, qm := range q {
		if _, ok := taken[qm.seq]; !ok {
			remaining = append(remaining, qm)
		}
	}
	if len(remaining) == 0 {
		delete(b.queues, agentName)
	} else {
		b.queues[agentName] = remaining
	}
	observability.SetQueueDepth(agentName, len(remaining))
	return out
}

// Subscribe registers the agent for all messages of the given type.
// Idempotent.
func (b *MessageBus) Subscribe(agentName string, msgType MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[msgType]
	if !ok {
		set = make(map[string]struct{})
		b.subs[msgType] = set
	}
	set[agentName] = struct{}{}
}

// Unsubscribe removes the agent from the subscriber set. Idempotent.
func (b *MessageBus) Unsubscribe(agentName string, msgType MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[msgType]; ok {
		delete(set, agentName)
		if len(set) == 0 {
			delete(b.subs, msgType)
		}
	}
}

// RegisterHandler attaches a synchronous handler for a message type.
func (b *MessageBus) RegisterHandler(msgType MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// Request publishes a REQUEST to receiver and waits until a RESPONSE with
// the same correlation ID lands in the sender's queue, the timeout elapses,
// or ctx is cancelled.
//
// Timeout is not an error: Request returns (nil, nil). A late response is
// left in the sender's queue for a later GetMessages. Cancellation returns
// ctx.Err() and likewise leaves bus state untouched.
func (b *MessageBus) Request(ctx context.Context, sender, receiver string, content any, timeout time.Duration) (*Message, error) {
	corrID := uuid.New().String()
	msg := NewMessage(sender, receiver, TypeRequest, content).WithCorrelationID(corrID)
	start := time.Now()
	b.Publish(msg)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(requestPollInterval)
	defer poll.Stop()

	for {
		if resp := b.takeResponse(sender, corrID); resp != nil {
			observability.RecordRequestRoundTrip("ok", time.Since(start))
			return resp, nil
		}
		select {
		case <-ctx.Done():
			observability.RecordRequestRoundTrip("cancelled", time.Since(start))
			return nil, ctx.Err()
		case <-deadline.C:
			observability.RecordRequestRoundTrip("timeout", time.Since(start))
			return nil, nil
		case <-poll.C:
		}
	}
}

// takeResponse removes and returns the queued RESPONSE matching corrID, or
// nil if none has arrived yet.
func (b *MessageBus) takeResponse(agentName, corrID string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentName]
	for i, qm := range q {
		if qm.msg.Type == TypeResponse && qm.msg.CorrelationID == corrID {
			b.queues[agentName] = append(q[:i:i], q[i+1:]...)
			observability.SetQueueDepth(agentName, len(b.queues[agentName]))
			return qm.msg
		}
	}
	return nil
}

// Respond publishes a RESPONSE back to the sender of original, echoing its
// correlation ID. Returns the recipient names.
func (b *MessageBus) Respond(agentName string, original *Message, content any) []string {
	resp := NewMessage(agentName, original.Sender, TypeResponse, content).
		WithCorrelationID(original.CorrelationID).
		WithRunID(original.RunID)
	return b.Publish(resp)
}

// GetConversation returns all history messages sharing the correlation ID,
// oldest first.
func (b *MessageBus) GetConversation(correlationID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, 0, 2)
	for _, m := range b.history {
		if m.CorrelationID == correlationID {
			out = append(out, m)
		}
	}
	return out
}

// GetHistory returns history messages, oldest first, optionally filtered to
// those sent or received by agentName and to those published after since.
// A limit > 0 keeps only the most recent limit entries.
func (b *MessageBus) GetHistory(agentName string, since time.Time, limit int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, 0, len(b.history))
	for _, m := range b.history {
		if agentName != "" && m.Sender != agentName && m.Receiver != agentName && m.Receiver != BroadcastReceiver {
			continue
		}
		if !since.IsZero() && !m.Timestamp.After(since) {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// QueueDepths reports the number of queued messages per agent.
func (b *MessageBus) QueueDepths() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	depths := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		depths[name] = len(q)
	}
	return depths
}

// HistoryLen reports the current history size.
func (b *MessageBus) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}
