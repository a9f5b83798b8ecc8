package models

import "time"

// APICall is one upstream attempt recorded in the request log.
type APICall struct {
	Timestamp    time.Time
	Error        string
	Email        string
	Model        string
	Family       string
	HeaderStyle  string
	Endpoint     string
	SessionID    string
	RequestID    string
	Outcome      string
	ID           int64
	AccountIndex int
	Attempt      int
	DurationMs   int
	StatusCode   int
}

// Attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeCapacity    = "capacity"
	OutcomeUpstream    = "upstream_error"
	OutcomeTransport   = "transport_error"
	OutcomeWarmup      = "warmup"
)

// SessionEvent records an account level transition such as a switch,
// removal or pool exhaustion.
type SessionEvent struct {
	Timestamp time.Time
	Kind      string
	Email     string
	Family    string
	Detail    string
	ID        int64
	WaitMs    int64
}
