// Package gateway sequences the interception pipeline per request:
// input guard, state monitor, agent execution, output guard, risk
// aggregation, optional deep-analysis escalation and audit finalization,
// short-circuiting to the blocked state when a stage demands it.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/entity"
	"github.com/bastion-sec/bastion/internal/guard"
	"github.com/bastion-sec/bastion/internal/loop"
	"github.com/bastion-sec/bastion/internal/monitor"
	"github.com/bastion-sec/bastion/internal/redact"
	"github.com/bastion-sec/bastion/internal/risk"
	"github.com/bastion-sec/bastion/internal/rules"
	"github.com/bastion-sec/bastion/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AgentExecutor is the opaque agent under protection. It may fail or hang;
// the gateway bounds it with a timeout and audits failures.
type AgentExecutor func(ctx context.Context, input string) (string, error)

// SessionContext identifies the session and describes the action the agent
// is about to perform, for loop/cost/progress tracking.
type SessionContext struct {
	SessionID string
	ToolName  string
	ToolArgs  string
	Progress  int64 // caller-supplied task-completion marker
	Tokens    int   // known token usage; 0 means estimate
}

// RequestState is the mutable per-request state threaded through the
// pipeline. It is owned exclusively by one Invoke call and never shared.
type RequestState struct {
	RequestID      string
	SessionID      string
	OriginalInput  string
	SanitizedInput string
	Entities       []entity.Entity
	Threats        []entity.Threat
	StageScores    []risk.StageScore
	OverallScore   float64
	Blocked        bool
	BlockReason    string
	Escalated      bool
}

// Result is the structured decision returned for every request; callers
// never see raw pipeline errors except for audit signing failures.
type Result struct {
	RequestID         string        `json:"request_id"`
	Allowed           bool          `json:"allowed"`
	SanitizedInput    string        `json:"sanitized_input"`
	Response          string        `json:"response,omitempty"`
	Blocked           bool          `json:"blocked"`
	BlockReason       string        `json:"block_reason,omitempty"`
	Decision          string        `json:"decision"`
	RiskScore         float64       `json:"risk_score"`
	RiskLevel         entity.Level  `json:"-"`
	RiskLevelName     string        `json:"risk_level"`
	PIIDetected       bool          `json:"pii_detected"`
	PIICount          int           `json:"pii_count"`
	InjectionDetected bool          `json:"injection_detected"`
	Escalated         bool          `json:"escalated"`
	AuditLog          []audit.Event `json:"audit_log"`
}

// Config holds the gateway's own tunables; stage thresholds come from the
// active rule set.
type Config struct {
	AuditKey     []byte
	AgentTimeout time.Duration
	DeepTimeout  time.Duration
}

// DefaultConfig uses a 30s agent bound and the 2s deep-analysis bound.
func DefaultConfig() Config {
	return Config{
		AgentTimeout: 30 * time.Second,
		DeepTimeout:  2 * time.Second,
	}
}

// Orchestrator runs the stage sequence for one request. The fixed-sequence
// Gateway is the only implementation; a declarative graph runner would be an
// alternative execution strategy, not a behavioral difference.
type Orchestrator interface {
	Invoke(ctx context.Context, input string, sess SessionContext, exec AgentExecutor) (*Result, error)
}

// Gateway is the fixed-sequence Orchestrator.
type Gateway struct {
	cfg        Config
	rules      rules.Provider
	input      *guard.InputGuard
	state      *monitor.StateMonitor
	output     *guard.OutputGuard
	aggregator *risk.Aggregator
	deep       DeepAnalyzer // optional
	admission  Admission
	sink       audit.Sink
	logger     *zap.Logger
}

// New wires the gateway. deep may be nil (no escalation path); admission may
// be nil (all requests admitted).
func New(cfg Config, provider rules.Provider, input *guard.InputGuard, state *monitor.StateMonitor, output *guard.OutputGuard, aggregator *risk.Aggregator, deep DeepAnalyzer, admission Admission, sink audit.Sink, logger *zap.Logger) (*Gateway, error) {
	if len(cfg.AuditKey) == 0 {
		return nil, audit.ErrNoKey
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 30 * time.Second
	}
	if cfg.DeepTimeout <= 0 {
		cfg.DeepTimeout = 2 * time.Second
	}
	if admission == nil {
		admission = AllowAll{}
	}
	return &Gateway{
		cfg:        cfg,
		rules:      provider,
		input:      input,
		state:      state,
		output:     output,
		aggregator: aggregator,
		deep:       deep,
		admission:  admission,
		sink:       sink,
		logger:     logger,
	}, nil
}

// Invoke runs the full pipeline for one request. The only error it returns
// is an internal audit-signing failure; every policy outcome, including
// blocks and agent failures, is reported through the Result.
func (g *Gateway) Invoke(ctx context.Context, input string, sess SessionContext, exec AgentExecutor) (*Result, error) {
	state := &RequestState{
		RequestID:     uuid.NewString(),
		SessionID:     sess.SessionID,
		OriginalInput: input,
	}

	chain, err := audit.NewChain(g.cfg.AuditKey, state.RequestID)
	if err != nil {
		return nil, err
	}

	if !g.admission.Allow(sess.SessionID) {
		state.Blocked = true
		state.BlockReason = "request denied by admission control"
		if err := chain.Append("admission", map[string]any{"allowed": false}); err != nil {
			return nil, err
		}
		return g.finalize(state, chain, risk.DecisionBlock, "")
	}

	// INPUT_GUARD
	in := g.input.Process(ctx, input)
	state.SanitizedInput = in.SanitizedText
	state.Entities = in.Entities
	state.Threats = in.Threats
	state.StageScores = append(state.StageScores, risk.StageScore{Stage: risk.StageInput, Score: in.Risk})
	if err := chain.Append(risk.StageInput, inputPayload(in)); err != nil {
		return nil, err
	}

	if in.Risk >= g.rules.Current().Thresholds.InputBlock {
		state.Blocked = true
		state.BlockReason = fmt.Sprintf("input risk %.2f: %s", in.Risk, describeFindings(in))
		return g.finalize(state, chain, risk.DecisionBlock, "")
	}

	// STATE_MONITOR
	action := session.Action{
		Name:     sess.ToolName,
		Args:     sess.ToolArgs,
		Tokens:   sess.Tokens,
		Progress: sess.Progress,
		At:       time.Now().UTC(),
	}
	if action.Name == "" {
		action.Name = "invoke"
		action.Args = in.SanitizedText
	}
	st := g.state.Process(ctx, sess.SessionID, action)
	state.StageScores = append(state.StageScores, risk.StageScore{Stage: risk.StageState, Score: st.Risk})
	if err := chain.Append(risk.StageState, statePayload(st)); err != nil {
		return nil, err
	}

	if st.Loop.Suggested == loop.SuggestBlock {
		state.Blocked = true
		state.BlockReason = fmt.Sprintf("%s loop detected: %d repetitions", st.Loop.Kind, st.Loop.Repetitions)
		return g.finalize(state, chain, risk.DecisionBlock, "")
	}

	// AGENT_EXEC
	response, execErr := g.executeAgent(ctx, exec, in.SanitizedText)
	if execErr != nil {
		g.logger.Warn("agent executor failed",
			zap.String("request_id", state.RequestID),
			zap.Uint64("audit_seq", chain.Seq()),
			zap.Error(execErr),
		)
		response = "[agent execution failed]"
		state.Threats = append(state.Threats, entity.Threat{
			Category:   entity.CategoryMaliciousContent,
			Subtype:    "agent_failure",
			Confidence: 0.5,
			Severity:   entity.SeverityMedium,
			Signatures: []string{"executor_error"},
		})
	}
	if err := chain.Append("agent_exec", map[string]any{
		"failed":        execErr != nil,
		"response_hash": redact.HashValue(response),
		"response_size": len(response),
	}); err != nil {
		return nil, err
	}

	// OUTPUT_GUARD
	out := g.output.Process(ctx, response)
	state.Threats = append(state.Threats, out.LeakThreats...)
	state.StageScores = append(state.StageScores, risk.StageScore{Stage: risk.StageOutput, Score: out.Risk})
	if err := chain.Append(risk.StageOutput, outputPayload(out)); err != nil {
		return nil, err
	}

	// RISK_AGGREGATION (+ escalation)
	assessment := g.aggregator.Aggregate(state.StageScores)
	state.OverallScore = assessment.OverallScore
	decision := assessment.Decision

	if assessment.Escalate && g.deep != nil {
		decision = g.escalate(ctx, state, chain, decision)
	}

	if decision == risk.DecisionBlock {
		state.Blocked = true
		if state.BlockReason == "" {
			state.BlockReason = fmt.Sprintf("aggregate risk %.2f exceeds block threshold", assessment.OverallScore)
		}
	}

	return g.finalize(state, chain, decision, out.SanitizedText)
}

// executeAgent bounds the opaque executor with the configured timeout and
// converts panics into errors so a misbehaving agent cannot kill the
// pipeline.
func (g *Gateway) executeAgent(ctx context.Context, exec AgentExecutor, input string) (response string, err error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AgentTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway: agent panic: %v", r)
		}
	}()

	type execResult struct {
		response string
		err      error
	}
	ch := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- execResult{err: fmt.Errorf("gateway: agent panic: %v", r)}
			}
		}()
		resp, err := exec(ctx, input)
		ch <- execResult{response: resp, err: err}
	}()

	select {
	case res := <-ch:
		return res.response, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("gateway: agent timeout: %w", ctx.Err())
	}
}

// escalate calls the deep analyzer under its own timeout and merges the
// verdict without ever downgrading severity. On timeout or failure the
// rule-based decision stands and the fallback is audited.
func (g *Gateway) escalate(ctx context.Context, state *RequestState, chain *audit.Chain, ruleBased risk.Decision) risk.Decision {
	state.Escalated = true

	deepCtx, cancel := context.WithTimeout(ctx, g.cfg.DeepTimeout)
	defer cancel()

	verdict, err := g.deep.Analyze(deepCtx, state)
	if err != nil {
		g.logger.Warn("deep analysis failed, using rule-based verdict",
			zap.String("request_id", state.RequestID),
			zap.Error(err),
		)
		if aErr := chain.Append("deep_analysis", map[string]any{
			"fallback": true,
			"error":    err.Error(),
		}); aErr != nil {
			// Finalize will fail on the next append; record locally.
			g.logger.Error("audit append failed during escalation", zap.Error(aErr))
		}
		return ruleBased
	}

	merged := risk.Merge(ruleBased, verdict.Decision)
	if aErr := chain.Append("deep_analysis", map[string]any{
		"fallback":   false,
		"decision":   verdict.Decision.String(),
		"confidence": verdict.Confidence,
		"merged":     merged.String(),
	}); aErr != nil {
		g.logger.Error("audit append failed during escalation", zap.Error(aErr))
	}
	return merged
}

// finalize always runs: it appends the decision event, hands the signed
// chain to the sink and assembles the Result.
func (g *Gateway) finalize(state *RequestState, chain *audit.Chain, decision risk.Decision, response string) (*Result, error) {
	// A block before aggregation still reports a score over the stages
	// that did run.
	if state.OverallScore == 0 && len(state.StageScores) > 0 {
		state.OverallScore = g.aggregator.Aggregate(state.StageScores).OverallScore
	}
	level := entity.LevelFromScore(state.OverallScore)

	if err := chain.Append("finalize", map[string]any{
		"decision":     decision.String(),
		"blocked":      state.Blocked,
		"block_reason": state.BlockReason,
		"risk_score":   state.OverallScore,
		"risk_level":   level.String(),
		"escalated":    state.Escalated,
	}); err != nil {
		return nil, err
	}

	events := chain.Finalize()
	if g.sink != nil {
		for i := range events {
			g.sink.Write(&events[i])
		}
	}

	injectionDetected := false
	for _, t := range state.Threats {
		if t.Category == entity.CategoryInjection {
			injectionDetected = true
			break
		}
	}

	result := &Result{
		RequestID:         state.RequestID,
		Allowed:           !state.Blocked,
		SanitizedInput:    state.SanitizedInput,
		Blocked:           state.Blocked,
		BlockReason:       state.BlockReason,
		Decision:          decision.String(),
		RiskScore:         state.OverallScore,
		RiskLevel:         level,
		RiskLevelName:     level.String(),
		PIIDetected:       len(state.Entities) > 0,
		PIICount:          len(state.Entities),
		InjectionDetected: injectionDetected,
		Escalated:         state.Escalated,
		AuditLog:          events,
	}
	if !state.Blocked {
		result.Response = response
	}
	return result, nil
}

func inputPayload(in guard.InputResult) map[string]any {
	return map[string]any{
		"entity_count":    len(in.Entities),
		"entity_types":    entityTypeCounts(in.Entities),
		"injection_count": len(in.Threats),
		"threat_subtypes": threatSubtypes(in.Threats),
		"risk":            in.Risk,
		"degraded":        in.Degraded,
	}
}

func statePayload(st monitor.StateResult) map[string]any {
	return map[string]any{
		"loop_kind":        st.Loop.Kind.String(),
		"loop_confidence":  st.Loop.Confidence,
		"loop_repetitions": st.Loop.Repetitions,
		"loop_suggested":   st.Loop.Suggested.String(),
		"tokens_used":      st.Cost.TokensUsed,
		"budget_exceeded":  st.Cost.Exceeded,
		"progress_ok":      st.ProgressOK,
		"risk":             st.Risk,
		"degraded":         st.Degraded,
	}
}

func outputPayload(out guard.OutputResult) map[string]any {
	return map[string]any{
		"leak_count":   len(out.LeakThreats),
		"entity_count": len(out.Entities),
		"entity_types": entityTypeCounts(out.Entities),
		"risk":         out.Risk,
	}
}

func entityTypeCounts(entities []entity.Entity) map[string]any {
	counts := make(map[string]any, len(entities))
	for _, e := range entities {
		name := e.Type.String()
		if prev, ok := counts[name].(int); ok {
			counts[name] = prev + 1
		} else {
			counts[name] = 1
		}
	}
	return counts
}

func threatSubtypes(threats []entity.Threat) []string {
	subtypes := make([]string, 0, len(threats))
	for _, t := range threats {
		subtypes = append(subtypes, t.Subtype)
	}
	sort.Strings(subtypes)
	return subtypes
}

func describeFindings(in guard.InputResult) string {
	var parts []string
	if len(in.Entities) > 0 {
		types := make([]string, 0, len(in.Entities))
		seen := make(map[string]bool)
		for _, e := range in.Entities {
			name := strings.ToLower(e.Type.String())
			if !seen[name] {
				seen[name] = true
				types = append(types, name)
			}
		}
		sort.Strings(types)
		parts = append(parts, "sensitive entities: "+strings.Join(types, ", "))
	}
	if len(in.Threats) > 0 {
		parts = append(parts, "injection: "+strings.Join(threatSubtypes(in.Threats), ", "))
	}
	if len(parts) == 0 {
		return "no findings"
	}
	return strings.Join(parts, "; ")
}
