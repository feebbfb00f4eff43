package alerts

import "time"

// Severity tiers for an alert, derived from the risk score.
const (
	SeveritySuspicious = "SUSPICIOUS"
	SeverityCritical   = "CRITICAL"
)

// Payload is one fraud alert pushed to every observer.
type Payload struct {
	Type      string    `json:"type"`
	CallSID   string    `json:"call_sid,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	RiskScore int       `json:"risk_score"`
	Tactics   []string  `json:"tactics"`
	Rationale string    `json:"rationale"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultCriticalScore is the tier boundary when no threshold is
// configured.
const DefaultCriticalScore = 85

// SeverityForScore maps a risk score to its tier. A zero or negative
// critical boundary falls back to DefaultCriticalScore.
func SeverityForScore(score, critical int) string {
	if critical <= 0 {
		critical = DefaultCriticalScore
	}
	if score >= critical {
		return SeverityCritical
	}
	return SeveritySuspicious
}
