package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Dictation   DictationConfig `yaml:"dictation"`
	DSP         DSPConfig       `yaml:"dsp"`
	Model       ModelConfig     `yaml:"model"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig describes microphone capture. Device is a backend device
// identifier; empty string selects the system default input.
type AudioConfig struct {
	Device          string `yaml:"device"`
	PreferredRate   int    `yaml:"preferred_rate"`
	StartRetries    int    `yaml:"start_retries"`
	RetryBackoffMS  int    `yaml:"retry_backoff_ms"`
	LevelIntervalMS int    `yaml:"level_interval_ms"`
}

// DictationConfig tunes the session coordinator.
type DictationConfig struct {
	DebounceMS          int `yaml:"debounce_ms"`
	MaxUtteranceSeconds int `yaml:"max_utterance_seconds"`
}

// DSPConfig tunes silence trimming and resampling. Trimming and the
// resampler are independent knobs: an aggressive trim threshold clips word
// boundaries, so it has to be adjustable without touching the rest of the
// pipeline.
type DSPConfig struct {
	TrimSilence   bool    `yaml:"trim_silence"`
	TrimThreshold float64 `yaml:"trim_threshold"`
	TrimFrameMS   int     `yaml:"trim_frame_ms"`
	TrimPaddingMS int     `yaml:"trim_padding_ms"`
	TargetRate    int     `yaml:"target_rate"`
	Resampler     string  `yaml:"resampler"`
}

type ModelConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, whisper
	Command         string `yaml:"command"`
	Path            string `yaml:"path"`
	Language        string `yaml:"language"`
	DiskMarginBytes int64  `yaml:"disk_margin_bytes"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "dexdictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Device:          "",
			PreferredRate:   0, // 0 = device native rate
			StartRetries:    3,
			RetryBackoffMS:  200,
			LevelIntervalMS: 100,
		},
		Dictation: DictationConfig{
			DebounceMS:          250,
			MaxUtteranceSeconds: 120,
		},
		DSP: DSPConfig{
			TrimSilence:   true,
			TrimThreshold: 0.012,
			TrimFrameMS:   20,
			TrimPaddingMS: 150,
			TargetRate:    16000,
			Resampler:     "linear",
		},
		Model: ModelConfig{
			Mode:            "mock",
			Language:        "en",
			DiskMarginBytes: 512 << 20,
		},
		History: HistoryConfig{
			Path:          "./data/dexdictate-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxUtterances: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DEX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DEX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DEX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DEX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DEX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DEX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DEX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DEX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "DEX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DEX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DEX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DEX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DEX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DEX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DEX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DEX_BUS_CONNECT_TIMEOUT_MS")
	overrideStringAllowEmpty(&cfg.Audio.Device, "DEX_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.PreferredRate, "DEX_AUDIO_PREFERRED_RATE")
	overrideInt(&cfg.Audio.StartRetries, "DEX_AUDIO_START_RETRIES")
	overrideInt(&cfg.Audio.RetryBackoffMS, "DEX_AUDIO_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Audio.LevelIntervalMS, "DEX_AUDIO_LEVEL_INTERVAL_MS")
	overrideInt(&cfg.Dictation.DebounceMS, "DEX_DICTATION_DEBOUNCE_MS")
	overrideInt(&cfg.Dictation.MaxUtteranceSeconds, "DEX_DICTATION_MAX_UTTERANCE_SECONDS")
	overrideBool(&cfg.DSP.TrimSilence, "DEX_DSP_TRIM_SILENCE")
	overrideFloat(&cfg.DSP.TrimThreshold, "DEX_DSP_TRIM_THRESHOLD")
	overrideInt(&cfg.DSP.TrimFrameMS, "DEX_DSP_TRIM_FRAME_MS")
	overrideInt(&cfg.DSP.TrimPaddingMS, "DEX_DSP_TRIM_PADDING_MS")
	overrideInt(&cfg.DSP.TargetRate, "DEX_DSP_TARGET_RATE")
	overrideString(&cfg.DSP.Resampler, "DEX_DSP_RESAMPLER")
	overrideString(&cfg.Model.Mode, "DEX_MODEL_MODE")
	overrideString(&cfg.Model.Command, "DEX_MODEL_COMMAND")
	overrideString(&cfg.Model.Path, "DEX_MODEL_PATH")
	overrideString(&cfg.Model.Language, "DEX_MODEL_LANGUAGE")
	overrideInt64(&cfg.Model.DiskMarginBytes, "DEX_MODEL_DISK_MARGIN_BYTES")
	overrideString(&cfg.History.Path, "DEX_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "DEX_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "DEX_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxUtterances, "DEX_HISTORY_MAX_UTTERANCES")
	overrideBool(&cfg.History.VacuumOnStart, "DEX_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

// overrideStringAllowEmpty applies the variable whenever it is set, empty
// included. The audio device uses it: empty means the system default input,
// and an explicitly empty variable must be able to clear a file-configured
// device.
func overrideStringAllowEmpty(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Audio.PreferredRate < 0 {
		return errors.New("audio.preferred_rate must be >= 0")
	}
	if cfg.Audio.StartRetries < 0 {
		return errors.New("audio.start_retries must be >= 0")
	}
	if cfg.Audio.RetryBackoffMS < 0 {
		return errors.New("audio.retry_backoff_ms must be >= 0")
	}
	if cfg.Audio.LevelIntervalMS <= 0 {
		return errors.New("audio.level_interval_ms must be positive")
	}
	if cfg.Dictation.DebounceMS < 0 {
		return errors.New("dictation.debounce_ms must be >= 0")
	}
	if cfg.Dictation.MaxUtteranceSeconds <= 0 {
		return errors.New("dictation.max_utterance_seconds must be positive")
	}
	if cfg.DSP.TargetRate <= 0 {
		return errors.New("dsp.target_rate must be positive")
	}
	if cfg.DSP.TrimThreshold < 0 || cfg.DSP.TrimThreshold > 1 {
		return errors.New("dsp.trim_threshold must be between 0 and 1")
	}
	if cfg.DSP.TrimFrameMS <= 0 {
		return errors.New("dsp.trim_frame_ms must be positive")
	}
	if cfg.DSP.TrimPaddingMS < 0 {
		return errors.New("dsp.trim_padding_ms must be >= 0")
	}
	switch cfg.DSP.Resampler {
	case "linear", "sinc":
		// ok
	default:
		return errors.New("dsp.resampler must be one of linear|sinc")
	}
	switch cfg.Model.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("model.mode must be one of mock|exec|whisper")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.Mode == "whisper" && cfg.Model.Path == "" {
		return errors.New("model.path must be set when mode=whisper")
	}
	if cfg.Model.DiskMarginBytes < 0 {
		return errors.New("model.disk_margin_bytes must be >= 0")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
