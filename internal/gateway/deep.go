package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bastion-sec/bastion/internal/risk"
)

// Verdict is a deep-analysis outcome.
type Verdict struct {
	Decision   risk.Decision
	Confidence float64
	Reason     string
}

// DeepAnalyzer is the optional slower, higher-fidelity analysis invoked when
// rule-based risk crosses the escalation threshold. Implementations must
// honor ctx cancellation; the gateway calls them under a bounded timeout.
type DeepAnalyzer interface {
	Analyze(ctx context.Context, state *RequestState) (*Verdict, error)
}

// HTTPDeepAnalyzer posts a summary of the request state to an external
// analysis service and maps its classification onto a decision.
type HTTPDeepAnalyzer struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewHTTPDeepAnalyzer(endpoint, apiKey string, timeout time.Duration) *HTTPDeepAnalyzer {
	return &HTTPDeepAnalyzer{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

type deepRequest struct {
	SanitizedInput string   `json:"sanitized_input"`
	SessionID      string   `json:"session_id"`
	RiskScore      float64  `json:"risk_score"`
	EntityTypes    []string `json:"entity_types"`
	ThreatSubtypes []string `json:"threat_subtypes"`
}

type deepResponse struct {
	Class      string  `json:"class"` // BENIGN, SUSPICIOUS, MALICIOUS
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Analyze sends only sanitized/derived fields, never the original input.
func (a *HTTPDeepAnalyzer) Analyze(ctx context.Context, state *RequestState) (*Verdict, error) {
	entityTypes := make([]string, len(state.Entities))
	for i, e := range state.Entities {
		entityTypes[i] = e.Type.String()
	}
	threatSubtypes := make([]string, len(state.Threats))
	for i, t := range state.Threats {
		threatSubtypes[i] = t.Subtype
	}

	body, err := json.Marshal(deepRequest{
		SanitizedInput: state.SanitizedInput,
		SessionID:      state.SessionID,
		RiskScore:      state.OverallScore,
		EntityTypes:    entityTypes,
		ThreatSubtypes: threatSubtypes,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: encode deep-analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: build deep-analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: deep-analysis call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: deep-analysis status %d", resp.StatusCode)
	}

	var dr deepResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("gateway: decode deep-analysis response: %w", err)
	}

	decision := risk.DecisionContinue
	switch dr.Class {
	case "MALICIOUS":
		decision = risk.DecisionBlock
	case "SUSPICIOUS":
		decision = risk.DecisionWarn
	}

	return &Verdict{
		Decision:   decision,
		Confidence: dr.Confidence,
		Reason:     dr.Reason,
	}, nil
}
