package redact

import (
	"strings"
	"testing"

	"github.com/bastion-sec/bastion/internal/entity"
)

func TestApply_CreditCardToken(t *testing.T) {
	r, err := New(entity.StrategyToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := "my card is 4111-1111-1111-1111"
	sanitized, entities := r.Apply(text, []entity.Entity{
		{Type: entity.TypeCreditCard, Start: 11, End: 30, Confidence: 0.90},
	})

	if sanitized != "my card is [CREDIT_CARD_REDACTED]" {
		t.Errorf("unexpected sanitized text: %q", sanitized)
	}
	if strings.Contains(sanitized, "4111") {
		t.Error("card digits survived redaction")
	}
	if entities[0].Redacted != "[CREDIT_CARD_REDACTED]" {
		t.Errorf("entity not annotated with redacted value: %q", entities[0].Redacted)
	}
	if entities[0].Strategy != entity.StrategyToken {
		t.Errorf("entity not annotated with strategy: %v", entities[0].Strategy)
	}
}

func TestApply_MultipleSpansPreserveSurroundingText(t *testing.T) {
	r, _ := New(entity.StrategyToken)

	text := "call 555-867-5309 or mail a@b.com now"
	sanitized, _ := r.Apply(text, []entity.Entity{
		{Type: entity.TypePhone, Start: 5, End: 17},
		{Type: entity.TypeEmail, Start: 26, End: 33},
	})

	want := "call [PHONE_REDACTED] or mail [EMAIL_REDACTED] now"
	if sanitized != want {
		t.Errorf("got %q, want %q", sanitized, want)
	}
}

func TestApply_MaskKeepsLastFour(t *testing.T) {
	r, _ := New(entity.StrategyMask)

	sanitized, _ := r.Apply("4111111111111111", []entity.Entity{
		{Type: entity.TypeCreditCard, Start: 0, End: 16},
	})

	if sanitized != "************1111" {
		t.Errorf("got %q", sanitized)
	}
}

// Redaction is one-way for every strategy: the original value must not be
// recoverable from the sanitized output.
func TestApply_NonInvertible(t *testing.T) {
	secret := "123-45-6789"
	text := "ssn: " + secret
	span := []entity.Entity{{Type: entity.TypeSSN, Start: 5, End: 16}}

	for _, strategy := range []entity.Strategy{
		entity.StrategyToken,
		entity.StrategyHash,
		entity.StrategyEncrypt,
	} {
		r, err := New(strategy)
		if err != nil {
			t.Fatalf("strategy %v: %v", strategy, err)
		}
		sanitized, _ := r.Apply(text, span)
		if strings.Contains(sanitized, secret) {
			t.Errorf("strategy %v: original value survived: %q", strategy, sanitized)
		}
	}
}

func TestApply_HashIsDeterministicButOpaque(t *testing.T) {
	r, _ := New(entity.StrategyHash)

	span := []entity.Entity{{Type: entity.TypeSSN, Start: 0, End: 11}}
	a, _ := r.Apply("123-45-6789", span)
	b, _ := r.Apply("123-45-6789", span)

	if a != b {
		t.Error("hash redaction must be deterministic for correlation")
	}
	if !strings.HasPrefix(a, "[SSN:") {
		t.Errorf("unexpected hash form: %q", a)
	}
}

func TestApply_MalformedSpanLeavesTextIntact(t *testing.T) {
	r, _ := New(entity.StrategyToken)

	text := "short"
	sanitized, _ := r.Apply(text, []entity.Entity{
		{Type: entity.TypeSSN, Start: 2, End: 99},
	})

	if sanitized != text {
		t.Errorf("malformed span corrupted text: %q", sanitized)
	}
}

func TestHashValue_StableShortDigest(t *testing.T) {
	h := HashValue("4111111111111111")
	if len(h) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(h))
	}
	if h != HashValue("4111111111111111") {
		t.Error("digest not stable")
	}
	if h == HashValue("4111111111111112") {
		t.Error("distinct values collided")
	}
}
