package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all voice agent environment variables.
const EnvPrefix = "VOICE_AGENT_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr            string   `yaml:"listen_addr"`
	DBPath                string   `yaml:"db_path"`
	AudioDir              string   `yaml:"audio_dir"`
	TranscriptDir         string   `yaml:"transcript_dir"`
	StaticDir             string   `yaml:"static_dir"`
	RecordCalls           bool     `yaml:"record_calls"`
	MicSampleRate         int      `yaml:"mic_sample_rate"`
	MicSampleRates        []int    `yaml:"mic_sample_rates"`
	MeterInterval         string   `yaml:"meter_interval"`
	LeaveTimeout          string   `yaml:"leave_timeout"`
	MinProvisionalChars   int      `yaml:"min_provisional_chars"`
	UltravoxBaseURL       string   `yaml:"ultravox_base_url"`
	UltravoxAgentID       string   `yaml:"ultravox_agent_id"`
	IntentModel           string   `yaml:"intent_model"`
	ListingPhrases        []string `yaml:"listing_phrases"`
	SummaryModel          string   `yaml:"summary_model"`
	GDriveFolderID        string   `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string   `yaml:"google_credentials_file"`

	// Secrets, env vars only.
	UltravoxAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            "127.0.0.1:8080",
		DBPath:                "data/voice-agent.db",
		AudioDir:              "data/audio",
		TranscriptDir:         "data/transcripts",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		MeterInterval:         "16ms",
		LeaveTimeout:          "2s",
		MinProvisionalChars:   10,
		UltravoxBaseURL:       "https://api.ultravox.ai",
		SummaryModel:          "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func (c *Config) ParsedLeaveTimeout() time.Duration {
	return parseDuration(c.LeaveTimeout, 2*time.Second)
}

func (c *Config) ParsedMeterInterval() time.Duration {
	return parseDuration(c.MeterInterval, 16*time.Millisecond)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

// APIKeyFor returns the secret for an LLM provider name as used in
// "provider/model" strings.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini", "google":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	str := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"DB_PATH":                 &cfg.DBPath,
		"AUDIO_DIR":               &cfg.AudioDir,
		"TRANSCRIPT_DIR":          &cfg.TranscriptDir,
		"STATIC_DIR":              &cfg.StaticDir,
		"METER_INTERVAL":          &cfg.MeterInterval,
		"LEAVE_TIMEOUT":           &cfg.LeaveTimeout,
		"ULTRAVOX_BASE_URL":       &cfg.UltravoxBaseURL,
		"ULTRAVOX_AGENT_ID":       &cfg.UltravoxAgentID,
		"INTENT_MODEL":            &cfg.IntentModel,
		"SUMMARY_MODEL":           &cfg.SummaryModel,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range str {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "RECORD_CALLS"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.RecordCalls = b
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	if v := os.Getenv(EnvPrefix + "MIN_PROVISIONAL_CHARS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			cfg.MinProvisionalChars = n
		}
	}
	if v := os.Getenv(EnvPrefix + "LISTING_PHRASES"); v != "" {
		cfg.ListingPhrases = splitList(v, "|")
	}
}

func loadSecrets(cfg *Config) {
	cfg.UltravoxAPIKey = os.Getenv(EnvPrefix + "ULTRAVOX_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.UltravoxAPIKey == "" {
		warnings = append(warnings, "Ultravox API key not configured; calls cannot be started. Set "+EnvPrefix+"ULTRAVOX_API_KEY.")
	}
	if cfg.SummaryModel != "" && cfg.APIKeyFor(providerOf(cfg.SummaryModel)) == "" {
		warnings = append(warnings, fmt.Sprintf("No API key for summary model %q; call summaries are disabled.", cfg.SummaryModel))
	}
	if cfg.IntentModel != "" && cfg.APIKeyFor(providerOf(cfg.IntentModel)) == "" {
		warnings = append(warnings, fmt.Sprintf("No API key for intent model %q; using heuristic search extraction.", cfg.IntentModel))
	}
	if d, err := time.ParseDuration(cfg.LeaveTimeout); err != nil || d <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid leave_timeout %q; using default 2s.", cfg.LeaveTimeout))
	}
	if d, err := time.ParseDuration(cfg.MeterInterval); err != nil || d <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid meter_interval %q; using default 16ms.", cfg.MeterInterval))
	}

	return warnings
}

func providerOf(model string) string {
	provider, _, ok := strings.Cut(model, "/")
	if !ok {
		return ""
	}
	return provider
}

func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
