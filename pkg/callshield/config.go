package callshield

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT       VendorConfig `mapstructure:"stt"`
	Reasoning VendorConfig `mapstructure:"reasoning"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	BatchBytes int `mapstructure:"batch_bytes"`
}

type AnalysisConfig struct {
	WindowLines       int `mapstructure:"window_lines"`
	MinSentences      int `mapstructure:"min_sentences"`
	MinWords          int `mapstructure:"min_words"`
	AlertThreshold    int `mapstructure:"alert_threshold"`
	CriticalThreshold int `mapstructure:"critical_threshold"`
}

type ObservabilityConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	RecordAudio  bool   `mapstructure:"record_audio"`
	MetricsFile  string `mapstructure:"metrics_file"`
	// AudioSampleRate thins the per-batch audio events, which arrive
	// roughly once a second per track. 1 records everything.
	AudioSampleRate float64 `mapstructure:"audio_sample_rate"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("audio.sample_rate", 8000)
	v.SetDefault("audio.batch_bytes", 8000)
	v.SetDefault("analysis.window_lines", 15)
	v.SetDefault("analysis.min_sentences", 5)
	v.SetDefault("analysis.min_words", 35)
	v.SetDefault("analysis.alert_threshold", 60)
	v.SetDefault("analysis.critical_threshold", 85)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.audio_sample_rate", 1.0)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Reasoning.Provider) == "" {
		return fmt.Errorf("vendors.reasoning.provider is required")
	}
	return nil
}

// expandEnvStrings resolves ${VAR} references so secrets stay out of the
// config file.
func expandEnvStrings(cfg *Config) {
	cfg.Environment = os.ExpandEnv(cfg.Environment)
	cfg.Observability.ArtifactsDir = os.ExpandEnv(cfg.Observability.ArtifactsDir)
	cfg.Observability.MetricsFile = os.ExpandEnv(cfg.Observability.MetricsFile)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.Reasoning.Settings = expandSettings(cfg.Vendors.Reasoning.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
