package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callshield/pkg/reasoning"
)

type AnalyzerConfig struct {
	RiskScore int
	Tactics   []string
	Rationale string
	Err       error
}

// Analyzer returns a fixed assessment for every call.
type Analyzer struct {
	cfg   AnalyzerConfig
	mu    sync.Mutex
	calls []string
}

func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.Rationale == "" {
		cfg.Rationale = "mock rationale"
	}
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Name() string { return "mock" }

func (a *Analyzer) Analyze(ctx context.Context, transcript string) (reasoning.Assessment, error) {
	a.mu.Lock()
	a.calls = append(a.calls, transcript)
	a.mu.Unlock()
	if a.cfg.Err != nil {
		return reasoning.Assessment{}, a.cfg.Err
	}
	return reasoning.Assessment{
		RiskScore: a.cfg.RiskScore,
		Tactics:   a.cfg.Tactics,
		Rationale: a.cfg.Rationale,
	}, nil
}

// Calls returns every transcript submitted so far.
func (a *Analyzer) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

var _ reasoning.Analyzer = (*Analyzer)(nil)
