package reasoning

import "context"

// Assessment is the structured result of one fraud-risk scoring call.
type Assessment struct {
	RiskScore int      `json:"risk_score"`
	Tactics   []string `json:"tactics"`
	Rationale string   `json:"rationale"`
}

// Analyzer scores a transcript block for fraud risk. One call is issued per
// trigger; implementations own their own transport timeouts.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, transcript string) (Assessment, error)
}
