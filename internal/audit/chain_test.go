package audit

import (
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func buildChain(t *testing.T) []Event {
	t.Helper()
	c, err := NewChain(testKey, "req-1")
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	stages := []string{"input_guard", "state_monitor", "agent_exec", "output_guard", "finalize"}
	for i, stage := range stages {
		if err := c.Append(stage, map[string]any{"seq_check": i}); err != nil {
			t.Fatalf("append %s: %v", stage, err)
		}
	}
	return c.Finalize()
}

func TestChain_VerifyIntactChain(t *testing.T) {
	events := buildChain(t)

	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Sequence != uint64(i) {
			t.Errorf("event %d has sequence %d", i, e.Sequence)
		}
		if e.Signature == "" {
			t.Errorf("event %d unsigned", i)
		}
	}
	if !Verify(testKey, events) {
		t.Fatal("intact chain failed verification")
	}
}

func TestChain_TamperedPayloadFailsVerify(t *testing.T) {
	events := buildChain(t)
	events[2].Payload["seq_check"] = 999

	if Verify(testKey, events) {
		t.Fatal("tampered payload passed verification")
	}
}

func TestChain_TamperedStageFailsVerify(t *testing.T) {
	events := buildChain(t)
	events[0].Stage = "forged_stage"

	if Verify(testKey, events) {
		t.Fatal("tampered stage passed verification")
	}
}

func TestChain_DeletedEventFailsVerify(t *testing.T) {
	events := buildChain(t)
	cut := append(events[:1:1], events[2:]...)

	if Verify(testKey, cut) {
		t.Fatal("chain with deleted event passed verification")
	}
}

func TestChain_ReorderedEventsFailVerify(t *testing.T) {
	events := buildChain(t)
	events[1], events[2] = events[2], events[1]

	if Verify(testKey, events) {
		t.Fatal("reordered chain passed verification")
	}
}

func TestChain_WrongKeyFailsVerify(t *testing.T) {
	events := buildChain(t)

	if Verify([]byte("another-key-entirely-32-bytes!!!"), events) {
		t.Fatal("wrong key passed verification")
	}
}

func TestNewChain_EmptyKeyRejected(t *testing.T) {
	if _, err := NewChain(nil, "req-1"); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestChain_SignatureChainsOnPredecessor(t *testing.T) {
	c1, _ := NewChain(testKey, "req-1")
	c2, _ := NewChain(testKey, "req-1")

	_ = c1.Append("a", map[string]any{"shared": true})
	_ = c2.Append("different", map[string]any{"shared": false})

	// Identical second events must sign differently under different
	// predecessors.
	_ = c1.Append("b", nil)
	_ = c2.Append("b", nil)

	e1 := c1.Finalize()
	e2 := c2.Finalize()
	// Timestamps differ too, but equal signatures would indicate the
	// predecessor is not part of the MAC input at all.
	if e1[1].Signature == e2[1].Signature {
		t.Error("second event signature independent of chain prefix")
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	if !Verify(testKey, nil) {
		t.Error("empty chain should verify")
	}
}
