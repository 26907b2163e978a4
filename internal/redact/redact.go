// Package redact rewrites detected spans into a sanitized output string.
// Redaction is one-way: no mapping from redacted form back to the original
// value survives the live request.
package redact

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/bastion-sec/bastion/internal/entity"
	"golang.org/x/crypto/blake2b"
)

// Redactor applies one strategy to every entity span. The zero value is not
// usable; construct with New.
type Redactor struct {
	strategy entity.Strategy
	gcm      cipher.AEAD // only set for StrategyEncrypt
}

// New returns a Redactor for the given strategy. For StrategyEncrypt a
// per-process ephemeral key is generated; it is never persisted, so
// encrypted spans are unrecoverable once the process exits.
func New(strategy entity.Strategy) (*Redactor, error) {
	r := &Redactor{strategy: strategy}

	if strategy == entity.StrategyEncrypt {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("redact: generate key: %w", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("redact: cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("redact: gcm: %w", err)
		}
		r.gcm = gcm
	}

	return r, nil
}

// Apply returns text with every entity span replaced. The input string is
// never mutated. Entities are updated in place with the redacted value and
// the strategy used. Spans are applied in ascending start order in a single
// forward pass over the original string, so offsets never shift.
func (r *Redactor) Apply(text string, entities []entity.Entity) (string, []entity.Entity) {
	if len(entities) == 0 {
		return text, entities
	}

	out := make([]entity.Entity, len(entities))
	copy(out, entities)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for i := range out {
		e := &out[i]
		if e.Start < prev || e.End > len(text) {
			// Malformed span; leave the text alone rather than corrupt it.
			continue
		}
		replacement := r.replace(e.Type, text[e.Start:e.End])
		b.WriteString(text[prev:e.Start])
		b.WriteString(replacement)
		prev = e.End

		e.Strategy = r.strategy
		e.Redacted = replacement
	}
	b.WriteString(text[prev:])

	return b.String(), out
}

func (r *Redactor) replace(typ entity.Type, value string) string {
	switch r.strategy {
	case entity.StrategyMask:
		return mask(value)
	case entity.StrategyHash:
		return "[" + typ.String() + ":" + HashValue(value) + "]"
	case entity.StrategyEncrypt:
		return "[" + typ.String() + ":ENC:" + r.encrypt(value) + "]"
	default:
		return typ.RedactionToken()
	}
}

// mask keeps the last four characters and fills the rest with '*'.
func mask(value string) string {
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

func (r *Redactor) encrypt(value string) string {
	nonce := make([]byte, r.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		// Out of entropy is unrecoverable; fall back to the opaque hash so
		// the raw value still never escapes.
		return HashValue(value)
	}
	sealed := r.gcm.Seal(nonce, nonce, []byte(value), nil)
	return hex.EncodeToString(sealed)
}

// HashValue returns a short blake2b-256 digest of value, the only form in
// which original values may appear in audit payloads.
func HashValue(value string) string {
	sum := blake2b.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
