// Package monitor composes loop detection with cost and progress tracking
// into the pipeline's execution-monitoring stage.
package monitor

import (
	"context"
	"errors"

	"github.com/bastion-sec/bastion/internal/loop"
	"github.com/bastion-sec/bastion/internal/session"
	"go.uber.org/zap"
)

// ErrWindowUnavailable reports that the session window store could not be
// reached; loop state is unknown for this request.
var ErrWindowUnavailable = errors.New("monitor: session window store unavailable")

// Config holds the stage's tunables.
type Config struct {
	WindowSize  int
	TokenBudget int     // per-session token budget
	CostFloor   float64 // budget utilization below this contributes no cost risk
	StallCalls  int     // unchanged progress marker over this many calls
	LoopWeight  float64 // risk weights, must sum to 1
	CostWeight  float64
	StallWeight float64
	// UnknownRisk is the conservative stage score used when the window
	// store is unreachable and loop state cannot be computed.
	UnknownRisk float64
}

// DefaultConfig returns the stock weights: loop dominant, cost secondary,
// progress minor.
func DefaultConfig() Config {
	return Config{
		WindowSize:  20,
		TokenBudget: 100_000,
		CostFloor:   0.5,
		StallCalls:  5,
		LoopWeight:  0.6,
		CostWeight:  0.3,
		StallWeight: 0.1,
		UnknownRisk: 0.3,
	}
}

// CostMetrics summarizes token consumption for the session so far.
type CostMetrics struct {
	TokensUsed  int
	TokenBudget int
	Exceeded    bool
}

// StateResult is the stage output.
type StateResult struct {
	Loop       loop.Result
	Cost       CostMetrics
	ProgressOK bool
	Risk       float64
	Degraded   bool // window store unreachable; loop state unknown
}

// StateMonitor owns the session window lifecycle for the pipeline: it loads
// the window, appends the current action, analyzes it and saves it back.
// Per-session serialization makes concurrent requests of one session
// deterministic: a keyed mutex guards the whole load-modify-save cycle.
type StateMonitor struct {
	store    session.Store
	locks    session.KeyedMutex
	detector *loop.Detector
	counter  *TokenCounter
	cfg      Config
	logger   *zap.Logger
}

func NewStateMonitor(store session.Store, detector *loop.Detector, counter *TokenCounter, cfg Config, logger *zap.Logger) *StateMonitor {
	return &StateMonitor{
		store:    store,
		detector: detector,
		counter:  counter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Process records the action in the session window and evaluates repetition,
// cost and progress. A store outage does not fail the request: the stage
// degrades to an unknown loop state with a conservative non-zero risk.
func (m *StateMonitor) Process(ctx context.Context, sessionID string, action session.Action) StateResult {
	if action.Tokens == 0 {
		action.Tokens = m.counter.Count(action.Name + " " + action.Args)
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	w, err := m.store.Load(ctx, sessionID)
	if err != nil {
		m.logger.Warn("session window load failed, loop state unknown",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return m.degraded()
	}
	if w.Cap == 0 {
		w = session.NewWindow(m.cfg.WindowSize)
	}

	w.Append(action)

	loopResult := m.detector.Analyze(w)
	cost := CostMetrics{
		TokensUsed:  w.TotalTokens(),
		TokenBudget: m.cfg.TokenBudget,
		Exceeded:    w.TotalTokens() > m.cfg.TokenBudget,
	}
	progressOK := m.progressing(w)

	if err := m.store.Save(ctx, sessionID, w); err != nil {
		m.logger.Warn("session window save failed, loop state unknown",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return m.degraded()
	}

	return StateResult{
		Loop:       loopResult,
		Cost:       cost,
		ProgressOK: progressOK,
		Risk:       m.risk(loopResult, cost, progressOK),
	}
}

func (m *StateMonitor) degraded() StateResult {
	return StateResult{
		Loop:       loop.Result{Kind: loop.KindNone, Suggested: loop.SuggestContinue},
		ProgressOK: true,
		Risk:       m.cfg.UnknownRisk,
		Degraded:   true,
	}
}

// progressing reports whether the caller-supplied progress marker has
// advanced within the trailing StallCalls actions.
func (m *StateMonitor) progressing(w session.Window) bool {
	n := w.Len()
	if n < m.cfg.StallCalls {
		return true
	}
	tail := w.Actions[n-m.cfg.StallCalls:]
	for _, a := range tail[1:] {
		if a.Progress != tail[0].Progress {
			return true
		}
	}
	return false
}

// risk combines the three signals with the configured weights.
func (m *StateMonitor) risk(l loop.Result, cost CostMetrics, progressOK bool) float64 {
	loopRisk := 0.0
	switch l.Suggested {
	case loop.SuggestBlock:
		loopRisk = l.Confidence
	case loop.SuggestWarn:
		loopRisk = l.Confidence * 0.7
	default:
		if l.Kind != loop.KindNone {
			loopRisk = l.Confidence * 0.3
		}
	}

	// Cost only becomes a signal once utilization passes the floor; a
	// session well under budget must not accrue risk from usage alone.
	costRisk := 0.0
	if cost.TokenBudget > 0 {
		util := float64(cost.TokensUsed) / float64(cost.TokenBudget)
		switch {
		case util >= 1.0:
			costRisk = 1.0
		case util > m.cfg.CostFloor && m.cfg.CostFloor < 1.0:
			costRisk = (util - m.cfg.CostFloor) / (1.0 - m.cfg.CostFloor)
		}
	}

	stallRisk := 0.0
	if !progressOK {
		stallRisk = 1.0
	}

	score := m.cfg.LoopWeight*loopRisk + m.cfg.CostWeight*costRisk + m.cfg.StallWeight*stallRisk
	if score > 1.0 {
		score = 1.0
	}
	return score
}
