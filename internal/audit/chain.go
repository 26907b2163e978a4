// Package audit provides the per-request tamper-evident event chain and the
// sinks that persist finalized chains. Each event's signature is an
// HMAC-SHA256 over the previous signature and the event's canonical bytes,
// so altering or deleting any historical event invalidates every signature
// after it.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSigningFailed is returned when an event cannot be canonicalized or
// signed. Callers must treat it as fatal to the request: no unsigned audit
// trail is ever emitted.
var ErrSigningFailed = errors.New("audit: event signing failed")

// ErrNoKey is returned when a chain is constructed without a signing key.
var ErrNoKey = errors.New("audit: signing key is empty")

// Event is one signed record in the chain. Payload carries only entity
// types, counts and value hashes, never raw sensitive values.
type Event struct {
	RequestID string         `json:"request_id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature"`
}

// canonicalBytes returns the deterministic byte form the signature covers.
// encoding/json sorts map keys, and the timestamp is folded to UnixNano, so
// identical events always canonicalize identically.
func canonicalBytes(e *Event) ([]byte, error) {
	shadow := struct {
		RequestID string         `json:"request_id"`
		Sequence  uint64         `json:"sequence"`
		TS        int64          `json:"ts"`
		Stage     string         `json:"stage"`
		Payload   map[string]any `json:"payload"`
	}{
		RequestID: e.RequestID,
		Sequence:  e.Sequence,
		TS:        e.Timestamp.UnixNano(),
		Stage:     e.Stage,
		Payload:   e.Payload,
	}
	data, err := json.Marshal(shadow)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return data, nil
}

func sign(key, prevSig, canonical []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(prevSig)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Chain is the append-only signed log for one request. Safe for concurrent
// appends, though the pipeline appends sequentially.
type Chain struct {
	mu        sync.Mutex
	key       []byte
	requestID string
	prevSig   []byte
	events    []Event
	seq       uint64
}

// NewChain creates an empty chain for the request. The key is the
// process-held audit signing secret.
func NewChain(key []byte, requestID string) (*Chain, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	return &Chain{
		key:       key,
		requestID: requestID,
	}, nil
}

// Append signs and records one event. Never fails silently: any signing
// failure is returned and must abort the request.
func (c *Chain) Append(stage string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	event := Event{
		RequestID: c.requestID,
		Sequence:  c.seq,
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Payload:   payload,
	}

	canonical, err := canonicalBytes(&event)
	if err != nil {
		return err
	}

	sig := sign(c.key, c.prevSig, canonical)
	event.Signature = sig

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	c.events = append(c.events, event)
	c.prevSig = sigBytes
	c.seq++
	return nil
}

// Seq returns the next sequence number; used for log correlation.
func (c *Chain) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Finalize returns a copy of the signed log.
func (c *Chain) Finalize() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Verify recomputes the chain from event zero and reports whether every
// signature holds. Any altered, reordered or deleted event fails
// verification for that event and all after it.
func Verify(key []byte, events []Event) bool {
	var prevSig []byte
	for i, e := range events {
		if e.Sequence != uint64(i) {
			return false
		}
		canonical, err := canonicalBytes(&e)
		if err != nil {
			return false
		}
		want := sign(key, prevSig, canonical)
		if !hmac.Equal([]byte(want), []byte(e.Signature)) {
			return false
		}
		sigBytes, err := hex.DecodeString(e.Signature)
		if err != nil {
			return false
		}
		prevSig = sigBytes
	}
	return true
}
