// Package agentcomm is the communication substrate for in-process
// multi-agent systems: a message bus, an agent registry, and a namespaced
// shared context composed behind one protocol facade. Agents are loosely
// coupled and discover and route to each other only through this layer.
//
// Construct one Protocol and inject it into every agent and orchestrator
// collaborator; there are no package-level singletons.
package agentcomm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentcomm-dev/agentcomm/comm"
	"github.com/agentcomm-dev/agentcomm/internal/tracing"
	"github.com/agentcomm-dev/agentcomm/registry"
	"github.com/agentcomm-dev/agentcomm/state"
)

// ErrPermissionDenied is returned for writes to a private namespace other
// than the caller's own. Reads of a foreign namespace are not an error:
// they behave as "not found" (see GetState).
var ErrPermissionDenied = errors.New("namespace access denied")

type options struct {
	queueCapacity          int
	busHistoryCapacity     int
	contextHistoryCapacity int
	clock                  registry.Clock
}

// Option configures a Protocol.
type Option func(*options)

// WithQueueCapacity sets the per-agent message queue bound.
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.queueCapacity = n }
}

// WithBusHistoryCapacity sets the bus history bound.
func WithBusHistoryCapacity(n int) Option {
	return func(o *options) { o.busHistoryCapacity = n }
}

// WithContextHistoryCapacity sets the per-key context history bound.
func WithContextHistoryCapacity(n int) Option {
	return func(o *options) { o.contextHistoryCapacity = n }
}

// WithClock injects the registry clock, for tests that control time.
func WithClock(c registry.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Protocol is the facade composing the message bus, the agent registry,
// and the shared context. It holds no state of its own; every call
// delegates to exactly one component, plus the delivery-accounting side
// effect on sends.
type Protocol struct {
	bus      *comm.MessageBus
	registry *registry.AgentRegistry
	context  *state.SharedContext
}

// New wires the three components together: the registry serves as the
// bus's broadcast directory and the bus delivers the context's watch
// notifications.
func New(opts ...Option) *Protocol {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var regOpts []registry.RegistryOption
	if o.clock != nil {
		regOpts = append(regOpts, registry.WithClock(o.clock))
	}
	reg := registry.NewAgentRegistry(regOpts...)

	busOpts := []comm.BusOption{comm.WithDirectory(reg)}
	if o.queueCapacity > 0 {
		busOpts = append(busOpts, comm.WithQueueCapacity(o.queueCapacity))
	}
	if o.busHistoryCapacity > 0 {
		busOpts = append(busOpts, comm.WithHistoryCapacity(o.busHistoryCapacity))
	}
	bus := comm.NewMessageBus(busOpts...)

	ctxOpts := []state.ContextOption{state.WithNotifier(bus)}
	if o.contextHistoryCapacity > 0 {
		ctxOpts = append(ctxOpts, state.WithHistoryCapacity(o.contextHistoryCapacity))
	}

	return &Protocol{
		bus:      bus,
		registry: reg,
		context:  state.NewSharedContext(ctxOpts...),
	}
}

// Bus exposes the message bus to collaborators such as the audit sink.
func (p *Protocol) Bus() *comm.MessageBus { return p.bus }

// Registry exposes the agent registry to collaborators such as the
// liveness sweeper.
func (p *Protocol) Registry() *registry.AgentRegistry { return p.registry }

// Context exposes the shared context.
func (p *Protocol) Context() *state.SharedContext { return p.context }

// Agent registry delegation

// RegisterAgent registers or replaces the agent record.
func (p *Protocol) RegisterAgent(name, agentType string, capabilities []string, metadata map[string]string) *registry.AgentInfo {
	return p.registry.Register(name, agentType, capabilities, metadata)
}

// DeregisterAgent removes the agent record and its capability entries.
func (p *Protocol) DeregisterAgent(name string) bool {
	return p.registry.Deregister(name)
}

// GetAgentInfo returns a copy of the agent record.
func (p *Protocol) GetAgentInfo(name string) (*registry.AgentInfo, bool) {
	return p.registry.Get(name)
}

// FindByCapability returns the names of agents claiming the capability.
func (p *Protocol) FindByCapability(capability string) []string {
	return p.registry.FindByCapability(capability)
}

// FindAgents returns agent records matching the optional filters.
func (p *Protocol) FindAgents(agentType string, status registry.Status) []*registry.AgentInfo {
	return p.registry.FindAgents(agentType, status)
}

// GetLeastBusyAgent picks the agent with the capability that has received
// the fewest messages.
func (p *Protocol) GetLeastBusyAgent(capability string) (string, bool) {
	return p.registry.GetLeastBusyAgent(capability)
}

// Heartbeat records agent liveness.
func (p *Protocol) Heartbeat(name string) {
	p.registry.Heartbeat(name)
}

// UpdateStatus sets an agent's status.
func (p *Protocol) UpdateStatus(name string, status registry.Status) bool {
	return p.registry.UpdateStatus(name, status)
}

// CheckHealth reports per-agent liveness against the threshold without
// mutating any status.
func (p *Protocol) CheckHealth(threshold time.Duration) map[string]registry.Status {
	return p.registry.CheckHealth(threshold)
}

// Message bus delegation

// SendMessage publishes msg and accounts the delivery against each
// recipient's message count. Returns the recipient names.
func (p *Protocol) SendMessage(ctx context.Context, msg *comm.Message) []string {
	_, span := tracing.StartSpan(ctx, "protocol.SendMessage",
		attribute.String("message.type", string(msg.Type)),
		attribute.String("message.receiver", msg.Receiver),
	)
	defer span.End()

	recipients := p.bus.Publish(msg)
	for _, name := range recipients {
		p.registry.IncrementMessageCount(name)
	}
	return recipients
}

// Broadcast sends content to every other registered agent.
func (p *Protocol) Broadcast(ctx context.Context, sender string, msgType comm.MessageType, content any) []string {
	return p.SendMessage(ctx, comm.NewMessage(sender, comm.BroadcastReceiver, msgType, content))
}

// Request performs a synchronous request/response round trip. A nil
// message with a nil error means no response arrived within timeout; the
// late response, if any, stays queued for a later GetMessages.
func (p *Protocol) Request(ctx context.Context, sender, receiver string, content any, timeout time.Duration) (*comm.Message, error) {
	spanCtx, span := tracing.StartSpan(ctx, "protocol.Request",
		attribute.String("request.receiver", receiver),
	)
	defer span.End()

	p.registry.IncrementMessageCount(receiver)
	return p.bus.Request(spanCtx, sender, receiver, content, timeout)
}

// Respond publishes the response to a previously received request.
func (p *Protocol) Respond(agentName string, original *comm.Message, content any) []string {
	recipients := p.bus.Respond(agentName, original, content)
	for _, name := range recipients {
		p.registry.IncrementMessageCount(name)
	}
	return recipients
}

// GetMessages drains up to limit queued messages for the agent in priority
// order. limit <= 0 drains all.
func (p *Protocol) GetMessages(agentName string, limit int) []*comm.Message {
	return p.bus.GetMessages(agentName, limit)
}

// Subscribe registers the agent for all messages of the type.
func (p *Protocol) Subscribe(agentName string, msgType comm.MessageType) {
	p.bus.Subscribe(agentName, msgType)
}

// Unsubscribe removes a subscription.
func (p *Protocol) Unsubscribe(agentName string, msgType comm.MessageType) {
	p.bus.Unsubscribe(agentName, msgType)
}

// GetConversation returns the history messages threaded by correlation ID.
func (p *Protocol) GetConversation(correlationID string) []*comm.Message {
	return p.bus.GetConversation(correlationID)
}

// GetMessageHistory queries the bounded bus history.
func (p *Protocol) GetMessageHistory(agentName string, since time.Time, limit int) []*comm.Message {
	return p.bus.GetHistory(agentName, since, limit)
}

// Shared context delegation. The caller's own name doubles as its private
// namespace; an empty namespace means the global one.

func resolveNamespace(caller, namespace string) (string, bool) {
	if namespace == "" || namespace == state.GlobalNamespace {
		return state.GlobalNamespace, true
	}
	return namespace, namespace == caller
}

// SetState writes a value. Writing to a foreign private namespace returns
// ErrPermissionDenied.
func (p *Protocol) SetState(caller, namespace, key string, value any) error {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return ErrPermissionDenied
	}
	return p.context.Set(ns, key, value, caller)
}

// GetState reads a value as JSON text. Reading a foreign private namespace
// reports "not found" rather than an error; callers cannot distinguish an
// absent key from an inaccessible one. This masking is deliberate and
// mirrors the write-side ErrPermissionDenied asymmetry.
func (p *Protocol) GetState(caller, namespace, key string) (string, bool) {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return "", false
	}
	return p.context.Get(ns, key)
}

// GetStateInto decodes the stored value into v, reporting whether the key
// was found. Foreign namespaces behave as in GetState.
func (p *Protocol) GetStateInto(caller, namespace, key string, v any) (bool, error) {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return false, nil
	}
	return p.context.GetInto(ns, key, v)
}

// UpdateState applies all values as one atomic batch.
func (p *Protocol) UpdateState(caller, namespace string, values map[string]any) error {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return ErrPermissionDenied
	}
	return p.context.Update(ns, values, caller)
}

// GetStateHistory returns up to limit change entries for the key, newest
// first. Foreign namespaces read as empty.
func (p *Protocol) GetStateHistory(caller, namespace, key string, limit int) []state.HistoryEntry {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return []state.HistoryEntry{}
	}
	return p.context.GetHistory(ns, key, limit)
}

// WatchState registers the caller for change notifications on the key,
// delivered as NOTIFICATION messages to the caller's queue.
func (p *Protocol) WatchState(caller, namespace, key string) error {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return ErrPermissionDenied
	}
	p.context.Watch(ns, key, caller)
	return nil
}

// UnwatchState removes a watch registration.
func (p *Protocol) UnwatchState(caller, namespace, key string) {
	if ns, ok := resolveNamespace(caller, namespace); ok {
		p.context.Unwatch(ns, key, caller)
	}
}

// GetAllState returns every key and JSON value in the namespace. Foreign
// namespaces read as empty.
func (p *Protocol) GetAllState(caller, namespace string) map[string]string {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return map[string]string{}
	}
	return p.context.GetAll(ns)
}

// StateKeys returns the sorted keys in the namespace.
func (p *Protocol) StateKeys(caller, namespace string) []string {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return []string{}
	}
	return p.context.Keys(ns)
}

// ClearState drops the namespace. Clearing a foreign private namespace
// returns ErrPermissionDenied.
func (p *Protocol) ClearState(caller, namespace string) (int, error) {
	ns, ok := resolveNamespace(caller, namespace)
	if !ok {
		return 0, ErrPermissionDenied
	}
	return p.context.Clear(ns), nil
}

// Stats is the aggregate introspection surface for an external monitoring
// collaborator.
type Stats struct {
	RegisteredAgents  int
	Capabilities      int
	QueuedMessages    map[string]int
	TotalQueued       int
	HistorySize       int
	ContextNamespaces int
}

// GetStats snapshots aggregate counts across all three components.
func (p *Protocol) GetStats() Stats {
	depths := p.bus.QueueDepths()
	total := 0
	for _, n := range depths {
		total += n
	}
	return Stats{
		RegisteredAgents:  p.registry.Count(),
		Capabilities:      p.registry.CapabilityCount(),
		QueuedMessages:    depths,
		TotalQueued:       total,
		HistorySize:       p.bus.HistoryLen(),
		ContextNamespaces: p.context.NamespaceCount(),
	}
}
