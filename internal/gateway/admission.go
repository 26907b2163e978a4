package gateway

// Admission is the external rate-limit / circuit-breaker gate queried once
// before the input guard. The pipeline only consumes the decision; the
// collaborator owns its own counters and locking.
type Admission interface {
	Allow(sessionID string) bool
}

// AllowAll is the no-op Admission used when no limiter is configured.
type AllowAll struct{}

func (AllowAll) Allow(string) bool { return true }
