package callshield

import (
	"fmt"
	"sync"

	"github.com/harunnryd/callshield/pkg/configutil"
	"github.com/harunnryd/callshield/pkg/providers/deepgram"
	"github.com/harunnryd/callshield/pkg/providers/mock"
	"github.com/harunnryd/callshield/pkg/reasoning"
	"github.com/harunnryd/callshield/pkg/transcribe"
)

// BridgeBuilder constructs a fresh speech bridge for one track of one
// stream. Bridges hold a live vendor connection, so a new one is built
// per track rather than shared.
type BridgeBuilder func(settings map[string]any, cfg transcribe.Config) (transcribe.Bridge, error)

// AnalyzerFactory constructs the reasoning backend once per process.
type AnalyzerFactory func(settings map[string]any) (reasoning.Analyzer, error)

type ProviderRegistry struct {
	mu        sync.RWMutex
	bridges   map[string]BridgeBuilder
	analyzers map[string]AnalyzerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		bridges:   make(map[string]BridgeBuilder),
		analyzers: make(map[string]AnalyzerFactory),
	}
}

func (r *ProviderRegistry) RegisterBridge(name string, builder BridgeBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[name] = builder
}

func (r *ProviderRegistry) RegisterAnalyzer(name string, factory AnalyzerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[name] = factory
}

func (r *ProviderRegistry) BridgeBuilder(name string) (BridgeBuilder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	builder, ok := r.bridges[name]
	if !ok {
		return nil, fmt.Errorf("unknown stt provider: %s", name)
	}
	return builder, nil
}

func (r *ProviderRegistry) Analyzer(name string, settings map[string]any) (reasoning.Analyzer, error) {
	r.mu.RLock()
	factory, ok := r.analyzers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown reasoning provider: %s", name)
	}
	return factory(settings)
}

type deepgramSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
}

type openaiSettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

var deepgramSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language"},
}

var openaiSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"model", "base_url", "timeout_ms",
		"use_circuit_breaker", "max_retries", "retry_backoff_ms",
		"circuit_threshold", "circuit_cooldown_ms",
	},
}

// DefaultProviderRegistry wires the built-in vendors.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterBridge("deepgram", func(settings map[string]any, cfg transcribe.Config) (transcribe.Bridge, error) {
		if err := configutil.ValidateSettings(settings, deepgramSchema); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		var s deepgramSettings
		if err := configutil.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("decode deepgram settings: %w", err)
		}
		lang := s.Language
		if lang == "" {
			lang = cfg.Language
		}
		return deepgram.New(deepgram.Config{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Language:   lang,
			SampleRate: cfg.SampleRate,
			Encoding:   cfg.Encoding,
			Track:      cfg.Track,
			StreamID:   cfg.StreamID,
			CallSID:    cfg.CallSID,
			TraceID:    cfg.TraceID,
		}), nil
	})
	r.RegisterBridge("mock", func(settings map[string]any, cfg transcribe.Config) (transcribe.Bridge, error) {
		return mock.NewBridge(mock.BridgeConfig{Track: cfg.Track}), nil
	})

	r.RegisterAnalyzer("openai", func(settings map[string]any) (reasoning.Analyzer, error) {
		if err := configutil.ValidateSettings(settings, openaiSchema); err != nil {
			return nil, fmt.Errorf("openai settings: %w", err)
		}
		var s openaiSettings
		if err := configutil.DecodeSettings(settings, &s); err != nil {
			return nil, fmt.Errorf("decode openai settings: %w", err)
		}
		analyzer := reasoning.Analyzer(reasoning.NewOpenAIAnalyzer(reasoning.OpenAIConfig{
			APIKey:    s.APIKey,
			Model:     s.Model,
			BaseURL:   s.BaseURL,
			TimeoutMS: s.TimeoutMS,
		}))
		if configutil.BoolValue(s.UseCircuitBreaker, true) {
			analyzer = reasoning.NewResilientAnalyzer(analyzer, reasoning.ResilientConfig{
				MaxRetries:        s.MaxRetries,
				BackoffMS:         s.RetryBackoffMS,
				CircuitThreshold:  s.CircuitThreshold,
				CircuitCooldownMS: s.CircuitCooldownMS,
			})
		}
		return analyzer, nil
	})
	r.RegisterAnalyzer("mock", func(settings map[string]any) (reasoning.Analyzer, error) {
		return mock.NewAnalyzer(mock.AnalyzerConfig{}), nil
	})

	return r
}
