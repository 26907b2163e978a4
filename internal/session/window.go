// Package session holds the per-session trailing window of agent actions,
// the one piece of state shared across requests of the same session. The
// window lives behind a Store so it can sit in Redis for multi-node
// deployments or in memory for single-node ones.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Action is one tool/agent call recorded for loop and cost analysis.
type Action struct {
	Name     string    `json:"name"`
	Args     string    `json:"args"`      // canonicalized argument string
	ArgsHash string    `json:"args_hash"` // hash of (name, args)
	Tokens   int       `json:"tokens"`
	Progress int64     `json:"progress"` // caller-supplied task-completion marker
	At       time.Time `json:"at"`
}

// Key returns the exact-repetition hash for the action, computed over the
// action name and its canonicalized arguments.
func (a Action) Key() string {
	if a.ArgsHash != "" {
		return a.ArgsHash
	}
	sum := sha256.Sum256([]byte(a.Name + "\x00" + a.Args))
	return hex.EncodeToString(sum[:])
}

// Window is a bounded FIFO of the most recent actions. Cap is fixed at
// construction; Append evicts the oldest entry once full.
type Window struct {
	Cap     int      `json:"cap"`
	Spent   int      `json:"spent"` // cumulative token usage since session start
	Actions []Action `json:"actions"`
}

// NewWindow returns an empty window with the given capacity.
func NewWindow(capacity int) Window {
	if capacity < 1 {
		capacity = 1
	}
	return Window{Cap: capacity}
}

// Append adds the action, evicting the oldest entry when at capacity.
func (w *Window) Append(a Action) {
	if a.ArgsHash == "" {
		a.ArgsHash = a.Key()
	}
	w.Spent += a.Tokens
	w.Actions = append(w.Actions, a)
	if len(w.Actions) > w.Cap {
		w.Actions = w.Actions[len(w.Actions)-w.Cap:]
	}
}

// Len returns the number of recorded actions.
func (w *Window) Len() int {
	return len(w.Actions)
}

// TotalTokens returns cumulative token usage since session start. Evicting
// an action from the window does not forget its tokens.
func (w *Window) TotalTokens() int {
	return w.Spent
}
