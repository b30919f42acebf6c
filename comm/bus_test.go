package comm

import (
	"context"
	"sync"
	"testing"
	"time"
)

// staticDirectory is a fixed-membership Directory for bus tests that don't
// need a full registry.
type staticDirectory []string

func (d staticDirectory) Names() []string { return d }

func TestPublishDirect(t *testing.T) {
	bus := NewMessageBus()

	recipients := bus.Publish(NewMessage("alice", "bob", TypeQuery, "hi"))
	if len(recipients) != 1 || recipients[0] != "bob" {
		t.Fatalf("Expected [bob], got %v", recipients)
	}

	msgs := bus.GetMessages("bob", 0)
	if len(msgs) != 1 || msgs[0].ContentString() != "hi" {
		t.Fatalf("Unexpected drain result: %v", msgs)
	}

	// Drain removes messages.
	if msgs := bus.GetMessages("bob", 0); len(msgs) != 0 {
		t.Errorf("Expected empty queue after drain, got %d", len(msgs))
	}
}

func TestPublishUnknownReceiverIsNotAnError(t *testing.T) {
	bus := NewMessageBus()
	recipients := bus.Publish(NewMessage("alice", "nobody", TypeQuery, "hi"))
	if len(recipients) != 1 {
		t.Fatalf("Expected queue created on demand, got %v", recipients)
	}
	if msgs := bus.GetMessages("nobody", 0); len(msgs) != 1 {
		t.Errorf("Expected 1 queued message, got %d", len(msgs))
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	bus := NewMessageBus(WithDirectory(staticDirectory{"alice", "bob", "carol"}))

	recipients := bus.Broadcast("alice", TypeBroadcast, "hello all")
	if len(recipients) != 2 {
		t.Fatalf("Expected 2 recipients, got %v", recipients)
	}

	for _, name := range []string{"bob", "carol"} {
		msgs := bus.GetMessages(name, 0)
		if len(msgs) != 1 || msgs[0].ContentString() != "hello all" {
			t.Errorf("%s: expected exactly one broadcast, got %v", name, msgs)
		}
	}
	if msgs := bus.GetMessages("alice", 0); len(msgs) != 0 {
		t.Errorf("Sender received its own broadcast: %v", msgs)
	}
}

func TestSubscriptionDelivery(t *testing.T) {
	bus := NewMessageBus()
	bus.Subscribe("watcher", TypeTaskComplete)
	bus.Subscribe("watcher", TypeTaskComplete) // idempotent

	bus.Publish(NewMessage("alice", "bob", TypeTaskComplete, "done"))

	if msgs := bus.GetMessages("watcher", 0); len(msgs) != 1 {
		t.Fatalf("Expected 1 subscribed delivery, got %d", len(msgs))
	}
	if msgs := bus.GetMessages("bob", 0); len(msgs) != 1 {
		t.Fatalf("Expected direct delivery too, got %d", len(msgs))
	}

	// Subscribed and directly addressed: at most one copy.
	bus.Subscribe("bob", TypeTaskComplete)
	bus.Publish(NewMessage("alice", "bob", TypeTaskComplete, "again"))
	if msgs := bus.GetMessages("bob", 0); len(msgs) != 1 {
		t.Errorf("Expected deduplicated delivery, got %d", len(msgs))
	}

	bus.Unsubscribe("watcher", TypeTaskComplete)
	bus.Unsubscribe("watcher", TypeTaskComplete) // idempotent
	bus.Publish(NewMessage("alice", "bob", TypeTaskComplete, "later"))
	if msgs := bus.GetMessages("watcher", 0); len(msgs) != 0 {
		t.Errorf("Unsubscribed agent still receiving: %v", msgs)
	}
}

func TestPriorityOrdering(t *testing.T) {
	bus := NewMessageBus()

	for i, p := range []int{3, 9, 3, 5} {
		bus.Publish(NewMessage("s", "agent", TypeQuery, i).WithPriority(p))
	}

	msgs := bus.GetMessages("agent", 0)
	if len(msgs) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(msgs))
	}
	wantPriorities := []int{9, 5, 3, 3}
	for i, m := range msgs {
		if m.Priority != wantPriorities[i] {
			t.Errorf("Position %d: expected priority %d, got %d", i, wantPriorities[i], m.Priority)
		}
	}
	// Equal priorities keep FIFO order: content 0 before content 2.
	var first, second int
	if err := msgs[2].UnmarshalContent(&first); err != nil {
		t.Fatal(err)
	}
	if err := msgs[3].UnmarshalContent(&second); err != nil {
		t.Fatal(err)
	}
	if first != 0 || second != 2 {
		t.Errorf("Equal-priority FIFO violated: got %d then %d", first, second)
	}
}

func TestGetMessagesLimitTakesHighestPriority(t *testing.T) {
	bus := NewMessageBus()
	bus.Publish(NewMessage("s", "agent", TypeQuery, "low").WithPriority(1))
	bus.Publish(NewMessage("s", "agent", TypeQuery, "high").WithPriority(9))

	msgs := bus.GetMessages("agent", 1)
	if len(msgs) != 1 || msgs[0].ContentString() != "high" {
		t.Fatalf("Expected the high-priority message, got %v", msgs)
	}
	rest := bus.GetMessages("agent", 0)
	if len(rest) != 1 || rest[0].ContentString() != "low" {
		t.Fatalf("Expected the low-priority message to remain, got %v", rest)
	}
}

func TestBoundedQueueEviction(t *testing.T) {
	const capacity = 10
	bus := NewMessageBus(WithQueueCapacity(capacity))

	for i := 0; i < capacity+5; i++ {
		bus.Publish(NewMessage("s", "agent", TypeQuery, i))
	}

	msgs := bus.GetMessages("agent", 0)
	if len(msgs) != capacity {
		t.Fatalf("Expected %d messages after eviction, got %d", capacity, len(msgs))
	}
	// The 5 oldest sends were evicted; the most recent capacity remain.
	for i, m := range msgs {
		var n int
		if err := m.UnmarshalContent(&n); err != nil {
			t.Fatal(err)
		}
		if n != i+5 {
			t.Errorf("Position %d: expected content %d, got %d", i, i+5, n)
		}
	}
}

func TestBoundedHistoryEviction(t *testing.T) {
	bus := NewMessageBus(WithHistoryCapacity(3))
	for i := 0; i < 5; i++ {
		bus.Publish(NewMessage("s", "r", TypeQuery, i))
	}
	if got := bus.HistoryLen(); got != 3 {
		t.Errorf("Expected history capped at 3, got %d", got)
	}
	history := bus.GetHistory("", time.Time{}, 0)
	var first int
	if err := history[0].UnmarshalContent(&first); err != nil {
		t.Fatal(err)
	}
	if first != 2 {
		t.Errorf("Expected oldest surviving entry 2, got %d", first)
	}
}

func TestRequestResponse(t *testing.T) {
	bus := NewMessageBus()

	// Responder drains its queue until the request shows up.
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
			for _, msg := range bus.GetMessages("bob", 0) {
				if msg.Type == TypeRequest {
					bus.Respond("bob", msg, "pong")
					return
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	resp, err := bus.Request(context.Background(), "alice", "bob", "ping", time.Second)
	<-done
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected a response, got timeout")
	}
	if resp.ContentString() != "pong" {
		t.Errorf("Expected pong, got %q", resp.ContentString())
	}
	if resp.Sender != "bob" || resp.Receiver != "alice" {
		t.Errorf("Unexpected response addressing: %s -> %s", resp.Sender, resp.Receiver)
	}

	// The request and response share a correlation ID in history.
	conv := bus.GetConversation(resp.CorrelationID)
	if len(conv) != 2 {
		t.Errorf("Expected 2 conversation messages, got %d", len(conv))
	}
}

func TestRequestTimeout(t *testing.T) {
	bus := NewMessageBus()

	start := time.Now()
	resp, err := bus.Request(context.Background(), "alice", "bob", "ping", 100*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Timeout must not be an error, got %v", err)
	}
	if resp != nil {
		t.Fatalf("Expected nil response on timeout, got %v", resp)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Returned before the timeout: %s", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Took far longer than the timeout: %s", elapsed)
	}

	// The unanswered request is still queued for bob.
	if msgs := bus.GetMessages("bob", 0); len(msgs) != 1 {
		t.Errorf("Expected the request to remain queued, got %d", len(msgs))
	}
}

func TestRequestCancellation(t *testing.T) {
	bus := NewMessageBus()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	resp, err := bus.Request(ctx, "alice", "bob", "ping", 5*time.Second)
	if err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if resp != nil {
		t.Fatalf("Expected nil response on cancellation, got %v", resp)
	}

	// A late response stays queued for a later drain.
	reqs := bus.GetMessages("bob", 0)
	if len(reqs) != 1 {
		t.Fatalf("Expected queued request, got %d", len(reqs))
	}
	bus.Respond("bob", reqs[0], "late")
	if msgs := bus.GetMessages("alice", 0); len(msgs) != 1 || msgs[0].Type != TypeResponse {
		t.Errorf("Expected the late response queued for alice, got %v", msgs)
	}
}

func TestHandlersRunAndPanicsAreContained(t *testing.T) {
	bus := NewMessageBus()

	var mu sync.Mutex
	var seen []string
	bus.RegisterHandler(TypeError, func(m *Message) {
		panic("bad handler")
	})
	bus.RegisterHandler(TypeError, func(m *Message) {
		mu.Lock()
		seen = append(seen, m.ContentString())
		mu.Unlock()
	})

	bus.Publish(NewMessage("a", "b", TypeError, "boom"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "boom" {
		t.Errorf("Second handler should run despite first panicking: %v", seen)
	}
	// Delivery still happened.
	if msgs := bus.GetMessages("b", 0); len(msgs) != 1 {
		t.Errorf("Handler panic must not prevent delivery, got %d", len(msgs))
	}
}

func TestGetHistoryFilters(t *testing.T) {
	bus := NewMessageBus()
	bus.Publish(NewMessage("alice", "bob", TypeQuery, 1))
	bus.Publish(NewMessage("bob", "alice", TypeAnswer, 2))
	bus.Publish(NewMessage("carol", "dave", TypeQuery, 3))

	if got := len(bus.GetHistory("alice", time.Time{}, 0)); got != 2 {
		t.Errorf("Expected 2 messages involving alice, got %d", got)
	}
	if got := len(bus.GetHistory("", time.Time{}, 2)); got != 2 {
		t.Errorf("Expected limit to keep 2 most recent, got %d", got)
	}

	all := bus.GetHistory("", time.Time{}, 0)
	since := all[0].Timestamp
	later := bus.GetHistory("", since, 0)
	if len(later) != 2 {
		t.Errorf("Expected 2 messages after the first, got %d", len(later))
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	bus := NewMessageBus()
	var prev time.Time
	for i := 0; i < 50; i++ {
		bus.Publish(NewMessage("a", "b", TypeQuery, i))
	}
	for _, m := range bus.GetHistory("", time.Time{}, 0) {
		if !m.Timestamp.After(prev) {
			t.Fatalf("Timestamps not strictly increasing: %v then %v", prev, m.Timestamp)
		}
		prev = m.Timestamp
	}
}

func TestConcurrentPublishAndDrain(t *testing.T) {
	bus := NewMessageBus()
	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(NewMessage("sender", "agent", TypeQuery, p*perPublisher+i))
			}
		}(p)
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained += len(bus.GetMessages("agent", 0))
		select {
		case <-done:
			drained += len(bus.GetMessages("agent", 0))
			if drained != publishers*perPublisher {
				t.Errorf("Expected %d messages, drained %d", publishers*perPublisher, drained)
			}
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
