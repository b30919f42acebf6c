// Package registry provides agent service discovery: metadata records, a
// capability index kept immediately consistent with registrations, and a
// pure-query liveness check driven by an injected clock.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/agentcomm-dev/agentcomm/pkg/observability"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Clock abstracts time for liveness decisions so tests don't need real
// clocks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// AgentInfo describes one registered agent.
type AgentInfo struct {
	Name          string
	AgentType     string
	Capabilities  []string
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time

	// MessageCount is a monotonic counter of messages delivered to this
	// agent, used for least-busy selection.
	MessageCount int64

	Metadata map[string]string
}

func (a *AgentInfo) clone() *AgentInfo {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Metadata = make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// AgentRegistry is the service discovery component. All methods are safe
// for concurrent use and non-blocking.
type AgentRegistry struct {
	mu           sync.RWMutex
	agents       map[string]*AgentInfo
	capabilities map[string]map[string]struct{} // capability -> agent names
	clock        Clock
}

// RegistryOption configures an AgentRegistry.
type RegistryOption func(*AgentRegistry)

// WithClock injects the clock used for registration and heartbeat stamps.
func WithClock(c Clock) RegistryOption {
	return func(r *AgentRegistry) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(opts ...RegistryOption) *AgentRegistry {
	r := &AgentRegistry{
		agents:       make(map[string]*AgentInfo),
		capabilities: make(map[string]map[string]struct{}),
		clock:        systemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates or replaces the record for name. Re-registering an
// existing name overwrites it (last-write-wins, not an error) and rebuilds
// its capability index entries. Returns a copy of the stored record.
func (r *AgentRegistry) Register(name, agentType string, capabilities []string, metadata map[string]string) *AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.agents[name]; ok {
		r.removeCapabilitiesLocked(name, old.Capabilities)
	}

	now := r.clock.Now()
	info := &AgentInfo{
		Name:          name,
		AgentType:     agentType,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        StatusActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metadata:      make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		info.Metadata[k] = v
	}
	r.agents[name] = info

	for _, c := range capabilities {
		set, ok := r.capabilities[c]
		if !ok {
			set = make(map[string]struct{})
			r.capabilities[c] = set
		}
		set[name] = struct{}{}
	}

	r.publishGaugesLocked()
	return info.clone()
}

// Deregister removes the agent and all its capability index entries.
// Returns false if the name was not registered.
func (r *AgentRegistry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[name]
	if !ok {
		return false
	}
	r.removeCapabilitiesLocked(name, info.Capabilities)
	delete(r.agents, name)
	r.publishGaugesLocked()
	return true
}

func (r *AgentRegistry) removeCapabilitiesLocked(name string, capabilities []string) {
	for _, c := range capabilities {
		if set, ok := r.capabilities[c]; ok {
			delete(set, name)
			if len(set) == 0 {
				delete(r.capabilities, c)
			}
		}
	}
}

func (r *AgentRegistry) publishGaugesLocked() {
	observability.SetRegisteredAgents(len(r.agents))
	observability.SetCapabilityIndexSize(len(r.capabilities))
}

// Get returns a copy of the agent record.
func (r *AgentRegistry) Get(name string) (*AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return info.clone(), true
}

// Names returns all registered agent names. It implements comm.Directory
// for broadcast fan-out.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CapabilityCount returns the number of distinct indexed capabilities.
func (r *AgentRegistry) CapabilityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capabilities)
}

// FindByCapability returns the sorted names of agents claiming the
// capability. O(1) lookup against the maintained index.
func (r *AgentRegistry) FindByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.capabilities[capability]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindAgents returns copies of agent records matching the optional type and
// status filters. Linear scan; the agent population is small.
func (r *AgentRegistry) FindAgents(agentType string, status Status) []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		if agentType != "" && info.AgentType != agentType {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Heartbeat stamps the agent's last heartbeat and revives an offline agent
// to active. An unknown name gets a minimal record rather than an error,
// tolerating the race between registration and first heartbeat.
func (r *AgentRegistry) Heartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	info, ok := r.agents[name]
	if !ok {
		r.agents[name] = &AgentInfo{
			Name:          name,
			Status:        StatusActive,
			RegisteredAt:  now,
			LastHeartbeat: now,
			Metadata:      make(map[string]string),
		}
		r.publishGaugesLocked()
		return
	}
	info.LastHeartbeat = now
	if info.Status == StatusOffline {
		info.Status = StatusActive
	}
}

// UpdateStatus sets the agent's status. Returns false for unknown names.
func (r *AgentRegistry) UpdateStatus(name string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return false
	}
	info.Status = status
	return true
}

// CheckHealth reports, for every registered agent, StatusOffline when the
// last heartbeat is older than threshold and the current status otherwise.
// It is a pure query: status mutations are left to the liveness sweep
// collaborator.
func (r *AgentRegistry) CheckHealth(threshold time.Duration) map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	report := make(map[string]Status, len(r.agents))
	for name, info := range r.agents {
		if now.Sub(info.LastHeartbeat) > threshold {
			report[name] = StatusOffline
		} else {
			report[name] = info.Status
		}
	}
	return report
}

// GetLeastBusyAgent returns the agent with the capability that has the
// smallest delivered message count, ties broken by lexicographically
// smallest name. The second return is false when no agent has the
// capability.
func (r *AgentRegistry) GetLeastBusyAgent(capability string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	var bestCount int64
	for name := range r.capabilities[capability] {
		info, ok := r.agents[name]
		if !ok {
			continue
		}
		if best == "" || info.MessageCount < bestCount ||
			(info.MessageCount == bestCount && name < best) {
			best = name
			bestCount = info.MessageCount
		}
	}
	return best, best != ""
}

// IncrementMessageCount bumps the delivery counter for name. Called by the
// protocol layer whenever the bus delivers a message to the agent. Unknown
// names are ignored.
func (r *AgentRegistry) IncrementMessageCount(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[name]; ok {
		info.MessageCount++
	}
}
