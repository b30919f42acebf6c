package agentcomm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcomm-dev/agentcomm/comm"
	"github.com/agentcomm-dev/agentcomm/registry"
	"github.com/agentcomm-dev/agentcomm/state"
)

func TestSendMessageAccountsDelivery(t *testing.T) {
	p := New()
	p.RegisterAgent("alice", "worker", nil, nil)
	p.RegisterAgent("bob", "worker", nil, nil)

	recipients := p.SendMessage(context.Background(), comm.NewMessage("alice", "bob", comm.TypeQuery, "ping"))
	if len(recipients) != 1 || recipients[0] != "bob" {
		t.Fatalf("Unexpected recipients: %v", recipients)
	}

	info, _ := p.GetAgentInfo("bob")
	if info.MessageCount != 1 {
		t.Errorf("Expected message count 1, got %d", info.MessageCount)
	}

	msgs := p.GetMessages("bob", 0)
	if len(msgs) != 1 || msgs[0].ContentString() != "ping" {
		t.Fatalf("Unexpected messages for bob: %v", msgs)
	}
}

func TestBroadcastReachesAllRegisteredAgentsExceptSender(t *testing.T) {
	p := New()
	for _, name := range []string{"alice", "bob", "carol"} {
		p.RegisterAgent(name, "worker", nil, nil)
	}

	recipients := p.Broadcast(context.Background(), "alice", comm.TypeBroadcast, "hello")
	if len(recipients) != 2 {
		t.Fatalf("Expected 2 recipients, got %v", recipients)
	}
	for _, name := range recipients {
		if name == "alice" {
			t.Error("Broadcast delivered to its sender")
		}
	}
	if len(p.GetMessages("bob", 0)) != 1 || len(p.GetMessages("carol", 0)) != 1 {
		t.Error("Broadcast did not reach every other agent")
	}
	if len(p.GetMessages("alice", 0)) != 0 {
		t.Error("Sender received its own broadcast")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	p := New()
	p.RegisterAgent("client", "worker", nil, nil)
	p.RegisterAgent("server", "worker", nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-deadline:
				return
			default:
			}
			for _, msg := range p.GetMessages("server", 0) {
				if msg.Type == comm.TypeRequest {
					p.Respond("server", msg, "pong")
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	resp, err := p.Request(context.Background(), "client", "server", "ping", time.Second)
	<-done
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected a response, got timeout")
	}
	if resp.ContentString() != "pong" {
		t.Errorf("Unexpected response content: %q", resp.ContentString())
	}
	if resp.Type != comm.TypeResponse {
		t.Errorf("Unexpected response type: %s", resp.Type)
	}

	conv := p.GetConversation(resp.CorrelationID)
	if len(conv) != 2 {
		t.Errorf("Expected 2 conversation messages, got %d", len(conv))
	}
}

func TestRequestTimeoutIsNotAnError(t *testing.T) {
	p := New()
	p.RegisterAgent("client", "worker", nil, nil)
	p.RegisterAgent("silent", "worker", nil, nil)

	resp, err := p.Request(context.Background(), "client", "silent", "anyone there?", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Timeout should not be an error, got %v", err)
	}
	if resp != nil {
		t.Fatalf("Expected nil response on timeout, got %v", resp)
	}

	// The request itself stays queued for the receiver.
	if len(p.GetMessages("silent", 0)) != 1 {
		t.Error("Request message lost on timeout")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	p := New()

	// Global namespace is open to everyone.
	if err := p.SetState("alice", "", "phase", "planning"); err != nil {
		t.Fatalf("Global write failed: %v", err)
	}
	if v, ok := p.GetState("bob", state.GlobalNamespace, "phase"); !ok || v != `"planning"` {
		t.Errorf("Global read failed: %q %v", v, ok)
	}

	// Own private namespace works.
	if err := p.SetState("alice", "alice", "secret", 42); err != nil {
		t.Fatalf("Own namespace write failed: %v", err)
	}

	// Foreign writes are refused.
	if err := p.SetState("bob", "alice", "secret", 0); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
	if err := p.UpdateState("bob", "alice", map[string]any{"k": 1}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied from UpdateState, got %v", err)
	}
	if _, err := p.ClearState("bob", "alice"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied from ClearState, got %v", err)
	}
	if err := p.WatchState("bob", "alice", "secret"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied from WatchState, got %v", err)
	}

	// Foreign reads mask as not-found rather than erroring.
	if _, ok := p.GetState("bob", "alice", "secret"); ok {
		t.Error("Foreign read should report not found")
	}
	var v int
	if found, err := p.GetStateInto("bob", "alice", "secret", &v); found || err != nil {
		t.Errorf("Foreign GetStateInto should report not found, got %v %v", found, err)
	}
	if entries := p.GetStateHistory("bob", "alice", "secret", 0); len(entries) != 0 {
		t.Error("Foreign history should read as empty")
	}
	if all := p.GetAllState("bob", "alice"); len(all) != 0 {
		t.Error("Foreign GetAllState should read as empty")
	}
	if keys := p.StateKeys("bob", "alice"); len(keys) != 0 {
		t.Error("Foreign StateKeys should read as empty")
	}

	// The owner still sees its value untouched.
	var secret int
	if found, err := p.GetStateInto("alice", "alice", "secret", &secret); !found || err != nil || secret != 42 {
		t.Errorf("Owner read failed: %v %v %d", found, err, secret)
	}
}

func TestWatchDeliversNotificationMessage(t *testing.T) {
	p := New()
	p.RegisterAgent("observer", "monitor", nil, nil)
	p.RegisterAgent("worker", "worker", nil, nil)

	if err := p.WatchState("observer", "", "progress"); err != nil {
		t.Fatalf("WatchState failed: %v", err)
	}
	if err := p.SetState("worker", "", "progress", 0.5); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	msgs := p.GetMessages("observer", 0)
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly one notification, got %d", len(msgs))
	}
	if msgs[0].Type != comm.TypeNotification {
		t.Errorf("Expected %s, got %s", comm.TypeNotification, msgs[0].Type)
	}
	var change state.ChangeNotification
	if err := msgs[0].UnmarshalContent(&change); err != nil {
		t.Fatalf("Failed to decode notification: %v", err)
	}
	if change.Key != "progress" || string(change.NewValue) != "0.5" {
		t.Errorf("Unexpected change payload: %+v", change)
	}

	p.UnwatchState("observer", "", "progress")
	if err := p.SetState("worker", "", "progress", 1.0); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if len(p.GetMessages("observer", 0)) != 0 {
		t.Error("Unwatched observer still notified")
	}
}

func TestLeastBusyRouting(t *testing.T) {
	p := New()
	p.RegisterAgent("a", "worker", []string{"search"}, nil)
	p.RegisterAgent("b", "worker", []string{"search"}, nil)

	ctx := context.Background()
	p.SendMessage(ctx, comm.NewMessage("x", "a", comm.TypeTaskAssignment, nil))
	p.SendMessage(ctx, comm.NewMessage("x", "a", comm.TypeTaskAssignment, nil))

	name, ok := p.GetLeastBusyAgent("search")
	if !ok || name != "b" {
		t.Errorf("Expected b, got %q (%v)", name, ok)
	}
}

func TestCheckHealthThroughFacade(t *testing.T) {
	clock := &stubClock{now: time.Now()}
	p := New(WithClock(clock))
	p.RegisterAgent("a", "worker", nil, nil)

	clock.now = clock.now.Add(time.Minute)
	report := p.CheckHealth(30 * time.Second)
	if report["a"] != registry.StatusOffline {
		t.Errorf("Expected offline, got %s", report["a"])
	}

	p.Heartbeat("a")
	report = p.CheckHealth(30 * time.Second)
	if report["a"] != registry.StatusActive {
		t.Errorf("Expected active after heartbeat, got %s", report["a"])
	}
}

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func TestGetStats(t *testing.T) {
	p := New()
	p.RegisterAgent("a", "worker", []string{"search", "plan"}, nil)
	p.RegisterAgent("b", "worker", nil, nil)
	p.SendMessage(context.Background(), comm.NewMessage("a", "b", comm.TypeQuery, nil))
	if err := p.SetState("a", "a", "k", 1); err != nil {
		t.Fatal(err)
	}

	stats := p.GetStats()
	if stats.RegisteredAgents != 2 {
		t.Errorf("RegisteredAgents = %d", stats.RegisteredAgents)
	}
	if stats.Capabilities != 2 {
		t.Errorf("Capabilities = %d", stats.Capabilities)
	}
	if stats.TotalQueued != 1 || stats.QueuedMessages["b"] != 1 {
		t.Errorf("Queue stats = %+v", stats)
	}
	if stats.HistorySize != 1 {
		t.Errorf("HistorySize = %d", stats.HistorySize)
	}
	if stats.ContextNamespaces != 1 {
		t.Errorf("ContextNamespaces = %d", stats.ContextNamespaces)
	}
}
