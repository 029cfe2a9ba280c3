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

// CallConfig covers per-call media setup.
type CallConfig struct {
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	DefaultCodec    string `yaml:"default_codec"`
	SetupTimeoutMS  int    `yaml:"setup_timeout_ms"`
}

// PlaybackConfig tunes the jitter-buffered pacer.
type PlaybackConfig struct {
	MinStartMS     int `yaml:"min_start_ms"`
	LowWatermarkMS int `yaml:"low_watermark_ms"`
	StartTimeoutMS int `yaml:"start_timeout_ms"`
}

// GatingConfig tunes barge-in and echo handling.
type GatingConfig struct {
	GuardWindowMS int `yaml:"post_tts_end_protection_ms"`
}

// ProviderConfig describes one STT+LLM+TTS capability.
type ProviderConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // realtime, pipeline, local, mock

	// realtime: bus subject prefix the remote agent listens on.
	Subject string `yaml:"subject"`

	// pipeline: streaming responder endpoint and models.
	Endpoint      string  `yaml:"endpoint"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SystemPrompt  string  `yaml:"system_prompt"`

	// local: child process commands speaking line-delimited JSON.
	STTCommand string `yaml:"stt_command"`
	TTSCommand string `yaml:"tts_command"`

	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Language   string `yaml:"language"`
}

// RoutingConfig orders providers and bounds retries.
type RoutingConfig struct {
	Primary         string   `yaml:"primary"`
	Fallbacks       []string `yaml:"fallbacks"`
	StartRetries    int      `yaml:"start_retries"`
	StartTimeoutMS  int      `yaml:"start_timeout_ms"`
	ResponseRetries int      `yaml:"response_retries"`
	RecoverBudgetMS int      `yaml:"recover_budget_ms"`
	ResponseTimeout int      `yaml:"response_timeout_ms"`
}

// PromptsConfig holds the canned lines the agent can always speak via
// the PBX primitive, even with every provider down.
type PromptsConfig struct {
	Greeting      string `yaml:"greeting"`
	Clarification string `yaml:"clarification"`
	Apology       string `yaml:"apology"`
	Hold          string `yaml:"hold"`
	Goodbye       string `yaml:"goodbye"`
}

type CallStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxCalls      int    `yaml:"max_calls"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Call        CallConfig       `yaml:"call"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Gating      GatingConfig     `yaml:"gating"`
	Providers   []ProviderConfig `yaml:"providers"`
	Routing     RoutingConfig    `yaml:"routing"`
	Prompts     PromptsConfig    `yaml:"prompts"`
	CallStore   CallStoreConfig  `yaml:"call_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxcall-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Call: CallConfig{
			FrameDurationMS: 20,
			DefaultCodec:    "ulaw",
			SetupTimeoutMS:  5000,
		},
		Playback: PlaybackConfig{
			MinStartMS:     120,
			LowWatermarkMS: 40,
			StartTimeoutMS: 1500,
		},
		Gating: GatingConfig{
			GuardWindowMS: 400,
		},
		Providers: []ProviderConfig{
			{Name: "mock", Kind: "mock", SampleRate: 16000},
		},
		Routing: RoutingConfig{
			Primary:         "mock",
			StartRetries:    2,
			StartTimeoutMS:  3000,
			ResponseRetries: 2,
			RecoverBudgetMS: 8000,
			ResponseTimeout: 15000,
		},
		Prompts: PromptsConfig{
			Greeting:      "Hello, how can I help you today?",
			Clarification: "Sorry, I didn't catch that. Could you say it again?",
			Apology:       "I'm sorry, I'm having trouble right now. Please call back later.",
			Hold:          "Sorry, one moment please.",
			Goodbye:       "Thanks for calling. Goodbye.",
		},
		CallStore: CallStoreConfig{
			Path:          "./data/voxcall-calls.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxCalls:      10000,
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
	overrideString(&cfg.RuntimeName, "VOXCALL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXCALL_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXCALL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXCALL_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXCALL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXCALL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXCALL_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXCALL_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOXCALL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXCALL_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOXCALL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXCALL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXCALL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXCALL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXCALL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXCALL_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Call.FrameDurationMS, "VOXCALL_CALL_FRAME_DURATION_MS")
	overrideString(&cfg.Call.DefaultCodec, "VOXCALL_CALL_DEFAULT_CODEC")
	overrideInt(&cfg.Call.SetupTimeoutMS, "VOXCALL_CALL_SETUP_TIMEOUT_MS")
	overrideInt(&cfg.Playback.MinStartMS, "VOXCALL_PLAYBACK_MIN_START_MS")
	overrideInt(&cfg.Playback.LowWatermarkMS, "VOXCALL_PLAYBACK_LOW_WATERMARK_MS")
	overrideInt(&cfg.Playback.StartTimeoutMS, "VOXCALL_PLAYBACK_START_TIMEOUT_MS")
	overrideInt(&cfg.Gating.GuardWindowMS, "VOXCALL_GATING_POST_TTS_END_PROTECTION_MS")
	overrideString(&cfg.Routing.Primary, "VOXCALL_ROUTING_PRIMARY")
	overrideStringSlice(&cfg.Routing.Fallbacks, "VOXCALL_ROUTING_FALLBACKS")
	overrideInt(&cfg.Routing.StartRetries, "VOXCALL_ROUTING_START_RETRIES")
	overrideInt(&cfg.Routing.StartTimeoutMS, "VOXCALL_ROUTING_START_TIMEOUT_MS")
	overrideInt(&cfg.Routing.ResponseRetries, "VOXCALL_ROUTING_RESPONSE_RETRIES")
	overrideInt(&cfg.Routing.RecoverBudgetMS, "VOXCALL_ROUTING_RECOVER_BUDGET_MS")
	overrideInt(&cfg.Routing.ResponseTimeout, "VOXCALL_ROUTING_RESPONSE_TIMEOUT_MS")
	overrideString(&cfg.Prompts.Greeting, "VOXCALL_PROMPTS_GREETING")
	overrideString(&cfg.Prompts.Clarification, "VOXCALL_PROMPTS_CLARIFICATION")
	overrideString(&cfg.Prompts.Apology, "VOXCALL_PROMPTS_APOLOGY")
	overrideString(&cfg.Prompts.Hold, "VOXCALL_PROMPTS_HOLD")
	overrideString(&cfg.Prompts.Goodbye, "VOXCALL_PROMPTS_GOODBYE")
	overrideString(&cfg.CallStore.Path, "VOXCALL_CALL_STORE_PATH")
	overrideString(&cfg.CallStore.RetentionMode, "VOXCALL_CALL_STORE_RETENTION_MODE")
	overrideInt(&cfg.CallStore.RetentionDays, "VOXCALL_CALL_STORE_RETENTION_DAYS")
	overrideInt(&cfg.CallStore.MaxCalls, "VOXCALL_CALL_STORE_MAX_CALLS")
	overrideBool(&cfg.CallStore.VacuumOnStart, "VOXCALL_CALL_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
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

// Provider returns the named provider block, if configured.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.Call.FrameDurationMS <= 0 || cfg.Call.FrameDurationMS > 100 {
		return errors.New("call.frame_duration_ms must be between 1 and 100")
	}
	switch cfg.Call.DefaultCodec {
	case "ulaw", "mulaw", "alaw":
		// ok
	default:
		return errors.New("call.default_codec must be one of ulaw|mulaw|alaw")
	}
	if cfg.Call.SetupTimeoutMS <= 0 {
		return errors.New("call.setup_timeout_ms must be positive")
	}
	if cfg.Playback.MinStartMS < 0 {
		return errors.New("playback.min_start_ms must be >= 0")
	}
	if cfg.Playback.LowWatermarkMS < 0 {
		return errors.New("playback.low_watermark_ms must be >= 0")
	}
	if cfg.Playback.StartTimeoutMS <= 0 {
		return errors.New("playback.start_timeout_ms must be positive")
	}
	if cfg.Gating.GuardWindowMS < 0 {
		return errors.New("gating.post_tts_end_protection_ms must be >= 0")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("providers must not be empty")
	}
	names := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return errors.New("provider name must not be empty")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		names[p.Name] = true
		switch p.Kind {
		case "realtime":
			if p.Subject == "" {
				return fmt.Errorf("provider %q: subject must be set when kind=realtime", p.Name)
			}
		case "pipeline":
			if p.Endpoint == "" {
				return fmt.Errorf("provider %q: endpoint must be set when kind=pipeline", p.Name)
			}
		case "local":
			if p.STTCommand == "" || p.TTSCommand == "" {
				return fmt.Errorf("provider %q: stt_command and tts_command must be set when kind=local", p.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("provider %q: kind must be one of realtime|pipeline|local|mock", p.Name)
		}
		if p.SampleRate < 0 {
			return fmt.Errorf("provider %q: sample_rate must be >= 0", p.Name)
		}
	}
	if cfg.Routing.Primary == "" {
		return errors.New("routing.primary must not be empty")
	}
	if !names[cfg.Routing.Primary] {
		return fmt.Errorf("routing.primary %q is not a configured provider", cfg.Routing.Primary)
	}
	for _, f := range cfg.Routing.Fallbacks {
		if !names[f] {
			return fmt.Errorf("routing fallback %q is not a configured provider", f)
		}
	}
	if cfg.Routing.StartRetries < 0 {
		return errors.New("routing.start_retries must be >= 0")
	}
	if cfg.Routing.StartTimeoutMS <= 0 {
		return errors.New("routing.start_timeout_ms must be positive")
	}
	if cfg.Routing.ResponseRetries < 0 {
		return errors.New("routing.response_retries must be >= 0")
	}
	if cfg.Routing.RecoverBudgetMS <= 0 {
		return errors.New("routing.recover_budget_ms must be positive")
	}
	if cfg.CallStore.Path == "" {
		return errors.New("call_store.path must not be empty")
	}
	switch cfg.CallStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("call_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.CallStore.RetentionDays < 0 {
		return errors.New("call_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
