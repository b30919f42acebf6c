package comm

import (
	"testing"
)

func TestNewMessage(t *testing.T) {
	t.Run("creates valid message", func(t *testing.T) {
		msg := NewMessage("alice", "bob", TypeQuery, map[string]string{"q": "status"})

		if msg.ID == "" {
			t.Error("Expected non-empty ID")
		}
		if msg.Sender != "alice" || msg.Receiver != "bob" {
			t.Errorf("Unexpected addressing: %s -> %s", msg.Sender, msg.Receiver)
		}
		if msg.Type != TypeQuery {
			t.Errorf("Expected type %s, got %s", TypeQuery, msg.Type)
		}
		if msg.Priority != DefaultPriority {
			t.Errorf("Expected default priority %d, got %d", DefaultPriority, msg.Priority)
		}

		var content map[string]string
		if err := msg.UnmarshalContent(&content); err != nil {
			t.Fatalf("Failed to unmarshal content: %v", err)
		}
		if content["q"] != "status" {
			t.Errorf("Expected q=status, got q=%s", content["q"])
		}
	})

	t.Run("nil content is JSON null", func(t *testing.T) {
		msg := NewMessage("alice", "bob", TypeHeartbeat, nil)
		if msg.Content != "null" {
			t.Errorf("Expected null content, got %q", msg.Content)
		}
	})

	t.Run("IDs are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			msg := NewMessage("a", "b", TypeQuery, i)
			if seen[msg.ID] {
				t.Fatalf("Duplicate ID %s", msg.ID)
			}
			seen[msg.ID] = true
		}
	})
}

func TestMessageBuilders(t *testing.T) {
	t.Run("priority is clamped", func(t *testing.T) {
		if got := NewMessage("a", "b", TypeQuery, nil).WithPriority(42).Priority; got != MaxPriority {
			t.Errorf("Expected clamp to %d, got %d", MaxPriority, got)
		}
		if got := NewMessage("a", "b", TypeQuery, nil).WithPriority(-3).Priority; got != MinPriority {
			t.Errorf("Expected clamp to %d, got %d", MinPriority, got)
		}
	})

	t.Run("metadata chaining", func(t *testing.T) {
		msg := NewMessage("a", "b", TypeQuery, nil).
			WithMetadata("origin", "api").
			WithMetadata("trace", "xyz")
		if msg.Metadata["origin"] != "api" || msg.Metadata["trace"] != "xyz" {
			t.Errorf("Unexpected metadata: %v", msg.Metadata)
		}
	})

	t.Run("correlation and run IDs", func(t *testing.T) {
		msg := NewMessage("a", "b", TypeRequest, nil).
			WithCorrelationID("corr-1").
			WithRunID("run-1")
		if msg.CorrelationID != "corr-1" || msg.RunID != "run-1" {
			t.Errorf("Unexpected IDs: corr=%s run=%s", msg.CorrelationID, msg.RunID)
		}
	})
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage("a", "b", TypeQuery, "hello").WithMetadata("k", "v")
	clone := msg.Clone()

	clone.Metadata["k"] = "changed"
	if msg.Metadata["k"] != "v" {
		t.Error("Clone shares metadata with original")
	}
	if clone.ID != msg.ID || clone.Content != msg.Content {
		t.Error("Clone lost fields")
	}
}

func TestContentString(t *testing.T) {
	if got := NewMessage("a", "b", TypeQuery, "ping").ContentString(); got != "ping" {
		t.Errorf("Expected ping, got %q", got)
	}
	// Non-string content falls back to the raw JSON text.
	if got := NewMessage("a", "b", TypeQuery, 7).ContentString(); got != "7" {
		t.Errorf("Expected 7, got %q", got)
	}
}
