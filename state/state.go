// Package state implements the namespaced shared context: key/value
// entries with bounded per-key change history and watch registrations
// whose notifications are delivered as messages through the bus, never as
// synchronous callbacks.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/agentcomm-dev/agentcomm/comm"
	"github.com/agentcomm-dev/agentcomm/pkg/observability"
)

// GlobalNamespace is readable and writable by every caller. Any other
// namespace is private to the agent of that name; the protocol facade
// enforces the access rule.
const GlobalNamespace = "global"

// DefaultHistoryCapacity bounds the per-key change history; the oldest
// entries are evicted first.
const DefaultHistoryCapacity = 100

// Action tags a history entry.
type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
)

// HistoryEntry records one change to a key, oldest to newest in storage.
// Values are JSON text; an empty OldValue means the key did not exist
// before the change.
type HistoryEntry struct {
	Timestamp time.Time
	Action    Action
	OldValue  string
	NewValue  string
	Actor     string
}

// ChangeNotification is the content of the NOTIFICATION message sent to
// each watcher after a successful set.
type ChangeNotification struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	NewValue  json.RawMessage `json:"new_value"`
}

// Notifier delivers watch notifications. The message bus implements it.
type Notifier interface {
	Publish(msg *comm.Message) []string
}

type entry struct {
	value   string // JSON text
	history []HistoryEntry
}

type watchKey struct {
	namespace string
	key       string
}

// SharedContext is the namespaced key/value store. All methods are safe
// for concurrent use and non-blocking; watch notifications are published
// strictly after the context lock is released, so a notification handler
// can re-enter the context without deadlock.
type SharedContext struct {
	mu         sync.Mutex
	namespaces map[string]map[string]*entry
	watchers   map[watchKey]map[string]struct{}
	historyCap int
	notifier   Notifier
}

// ContextOption configures a SharedContext.
type ContextOption func(*SharedContext)

// WithHistoryCapacity sets the per-key history bound.
func WithHistoryCapacity(n int) ContextOption {
	return func(c *SharedContext) {
		if n > 0 {
			c.historyCap = n
		}
	}
}

// WithNotifier wires the bus used for watch notification delivery. Without
// one, watches register but never fire.
func WithNotifier(n Notifier) ContextOption {
	return func(c *SharedContext) { c.notifier = n }
}

// NewSharedContext creates an empty shared context.
func NewSharedContext(opts ...ContextOption) *SharedContext {
	c := &SharedContext{
		namespaces: make(map[string]map[string]*entry),
		watchers:   make(map[watchKey]map[string]struct{}),
		historyCap: DefaultHistoryCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set writes value under (namespace, key), appends a history entry, and
// notifies every watcher of the key with one NOTIFICATION message each.
func (c *SharedContext) Set(namespace, key string, value any, actor string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s/%s: %w", namespace, key, err)
	}

	c.mu.Lock()
	ns, ok := c.namespaces[namespace]
	if !ok {
		ns = make(map[string]*entry)
		c.namespaces[namespace] = ns
	}
	e, ok := ns[key]
	if !ok {
		e = &entry{}
		ns[key] = e
	}
	old := e.value
	e.value = string(data)
	c.appendHistoryLocked(e, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    ActionSet,
		OldValue:  old,
		NewValue:  e.value,
		Actor:     actor,
	})
	watchers := c.watchersLocked(namespace, key)
	c.mu.Unlock()

	observability.RecordContextWrite(namespace)
	c.notify(namespace, key, string(data), actor, watchers)
	return nil
}

// Update applies every key in values as a single atomic batch: no reader
// of the namespace observes a partially applied update. Notifications for
// all affected watchers are published after the batch commits.
func (c *SharedContext) Update(namespace string, values map[string]any, actor string) error {
	encoded := make(map[string]string, len(values))
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value for %s/%s: %w", namespace, key, err)
		}
		encoded[key] = string(data)
	}

	type pending struct {
		key      string
		value    string
		watchers []string
	}

	c.mu.Lock()
	ns, ok := c.namespaces[namespace]
	if !ok {
		ns = make(map[string]*entry)
		c.namespaces[namespace] = ns
	}
	now := time.Now().UTC()
	notifications := make([]pending, 0, len(encoded))
	for key, data := range encoded {
		e, ok := ns[key]
		if !ok {
			e = &entry{}
			ns[key] = e
		}
		old := e.value
		e.value = data
		c.appendHistoryLocked(e, HistoryEntry{
			Timestamp: now,
			Action:    ActionSet,
			OldValue:  old,
			NewValue:  data,
			Actor:     actor,
		})
		notifications = append(notifications, pending{
			key:      key,
			value:    data,
			watchers: c.watchersLocked(namespace, key),
		})
	}
	c.mu.Unlock()

	observability.RecordContextWrite(namespace)
	for _, p := range notifications {
		c.notify(namespace, p.key, p.value, actor, p.watchers)
	}
	return nil
}

func (c *SharedContext) appendHistoryLocked(e *entry, h HistoryEntry) {
	if len(e.history) >= c.historyCap {
		e.history = e.history[1:]
	}
	e.history = append(e.history, h)
}

// watchersLocked snapshots the watcher set for (namespace, key).
func (c *SharedContext) watchersLocked(namespace, key string) []string {
	set := c.watchers[watchKey{namespace, key}]
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// notify publishes one NOTIFICATION per watcher. Runs outside the context
// lock; a failure to reach one watcher never affects the others.
func (c *SharedContext) notify(namespace, key, value, actor string, watchers []string) {
	if c.notifier == nil || len(watchers) == 0 {
		return
	}
	content := ChangeNotification{
		Namespace: namespace,
		Key:       key,
		NewValue:  json.RawMessage(value),
	}
	for _, watcher := range watchers {
		msg := comm.NewMessage(actor, watcher, comm.TypeNotification, content)
		c.notifier.Publish(msg)
		observability.RecordWatchNotification()
		log.Printf("state: notified %s of change to %s/%s", watcher, namespace, key)
	}
}

// Get returns the JSON text stored under (namespace, key). A deleted key
// reads as absent even though its history survives.
func (c *SharedContext) Get(namespace, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.namespaces[namespace][key]; ok && e.value != "" {
		return e.value, true
	}
	return "", false
}

// GetInto decodes the stored value into v. Returns false without touching
// v when the key is absent.
func (c *SharedContext) GetInto(namespace, key string, v any) (bool, error) {
	raw, ok := c.Get(namespace, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("unmarshal %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Delete removes a key, recording the removal in its history. The history
// survives until the namespace is cleared. Returns false when absent.
func (c *SharedContext) Delete(namespace, key, actor string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns := c.namespaces[namespace]
	e, ok := ns[key]
	if !ok {
		return false
	}
	c.appendHistoryLocked(e, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    ActionDelete,
		OldValue:  e.value,
		Actor:     actor,
	})
	e.value = ""
	return true
}

// GetHistory returns up to limit history entries for the key, newest
// first. A limit <= 0 returns everything.
func (c *SharedContext) GetHistory(namespace, key string, limit int) []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.namespaces[namespace][key]
	if !ok {
		return []HistoryEntry{}
	}
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, 0, n)
	for i := len(e.history) - 1; i >= len(e.history)-n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Watch registers watcherName for change notifications on (namespace,
// key). Idempotent.
func (c *SharedContext) Watch(namespace, key, watcherName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wk := watchKey{namespace, key}
	set, ok := c.watchers[wk]
	if !ok {
		set = make(map[string]struct{})
		c.watchers[wk] = set
	}
	set[watcherName] = struct{}{}
}

// Unwatch removes a watch registration. Idempotent.
func (c *SharedContext) Unwatch(namespace, key, watcherName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wk := watchKey{namespace, key}
	if set, ok := c.watchers[wk]; ok {
		delete(set, watcherName)
		if len(set) == 0 {
			delete(c.watchers, wk)
		}
	}
}

// GetAll returns a copy of every key and JSON value in the namespace.
// Deleted keys (empty value) are skipped.
func (c *SharedContext) GetAll(namespace string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns := c.namespaces[namespace]
	out := make(map[string]string, len(ns))
	for key, e := range ns {
		if e.value != "" {
			out[key] = e.value
		}
	}
	return out
}

// Keys returns the sorted keys present in the namespace.
func (c *SharedContext) Keys(namespace string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns := c.namespaces[namespace]
	keys := make([]string, 0, len(ns))
	for key, e := range ns {
		if e.value != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clear drops the namespace, its histories, and its watch registrations.
// Returns the number of removed keys.
func (c *SharedContext) Clear(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.namespaces[namespace])
	delete(c.namespaces, namespace)
	for wk := range c.watchers {
		if wk.namespace == namespace {
			delete(c.watchers, wk)
		}
	}
	return n
}

// NamespaceCount reports the number of namespaces holding at least one
// entry.
func (c *SharedContext) NamespaceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.namespaces)
}
