package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
	"gopkg.in/yaml.v3"
)

const DefaultAzureAPIVersion = "2024-02-15-preview"

// MaxCapSeconds is the hard ceiling on a single recording.
const MaxCapSeconds = 120

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
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
	Store       StoreConfig     `yaml:"store"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Capture     CaptureConfig   `yaml:"capture"`
	Speech      SpeechConfig    `yaml:"speech"`
	Analysis    AnalysisConfig  `yaml:"analysis"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Mode          string `yaml:"mode"` // sqlite, ephemeral
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	Timezone      string `yaml:"timezone"`
	RetentionDays int    `yaml:"retention_days"` // session timeline only
}

type RecorderConfig struct {
	CapSeconds int `yaml:"cap_seconds"`
	TickMS     int `yaml:"tick_ms"`
}

type CaptureConfig struct {
	PermissionTimeoutMS int `yaml:"permission_timeout_ms"`
	FrameBuffer         int `yaml:"frame_buffer"`
}

type SpeechConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, azure
	Key            string `yaml:"key"`
	Region         string `yaml:"region"`
	Language       string `yaml:"language"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PublishInterim bool   `yaml:"publish_interim"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type AnalysisConfig struct {
	Mode        string  `yaml:"mode"` // mock, azure, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Deployment  string  `yaml:"deployment"`
	APIVersion  string  `yaml:"api_version"`
	Model       string  `yaml:"model"`
	Command     string  `yaml:"command"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "standup-recorder",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Mode:          "sqlite",
			Path:          "./data/standups.db",
			RetentionDays: 30,
		},
		Recorder: RecorderConfig{
			CapSeconds: 120,
			TickMS:     1000,
		},
		Capture: CaptureConfig{
			PermissionTimeoutMS: 30000,
			FrameBuffer:         64,
		},
		Speech: SpeechConfig{
			Mode:           "azure",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			PublishInterim: true,
			PartialEveryMS: 800,
			TimeoutMS:      45000,
		},
		Analysis: AnalysisConfig{
			Mode:        "azure",
			APIVersion:  DefaultAzureAPIVersion,
			Endpoint:    "",
			Model:       "llama3.2:latest",
			MaxTokens:   1024,
			Temperature: 0.2,
			TimeoutMS:   60000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, failure.Wrap(failure.ErrConfiguration, "config", "config file not found", err)
			}
			return cfg, failure.Wrap(failure.ErrConfiguration, "config", "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, failure.Wrap(failure.ErrConfiguration, "config", "failed to parse config file", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Analysis.APIVersion == "" {
		cfg.Analysis.APIVersion = DefaultAzureAPIVersion
	}
	if err := validate(cfg); err != nil {
		return cfg, failure.Wrap(failure.ErrConfiguration, "config", "", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "STANDUP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "STANDUP_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STANDUP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STANDUP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STANDUP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STANDUP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STANDUP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "STANDUP_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Embedded, "STANDUP_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "STANDUP_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "STANDUP_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "STANDUP_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "STANDUP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STANDUP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STANDUP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STANDUP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STANDUP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STANDUP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Mode, "STANDUP_STORE_MODE")
	overrideString(&cfg.Store.Path, "STANDUP_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "STANDUP_STORE_VACUUM_ON_START")
	overrideString(&cfg.Store.Timezone, "STANDUP_STORE_TIMEZONE")
	overrideInt(&cfg.Store.RetentionDays, "STANDUP_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Recorder.CapSeconds, "STANDUP_RECORDER_CAP_SECONDS")
	overrideInt(&cfg.Recorder.TickMS, "STANDUP_RECORDER_TICK_MS")
	overrideInt(&cfg.Capture.PermissionTimeoutMS, "STANDUP_CAPTURE_PERMISSION_TIMEOUT_MS")
	overrideInt(&cfg.Capture.FrameBuffer, "STANDUP_CAPTURE_FRAME_BUFFER")
	overrideString(&cfg.Speech.Mode, "STANDUP_SPEECH_MODE")
	overrideString(&cfg.Analysis.Mode, "STANDUP_ANALYSIS_MODE")
	applyAzureAliases(cfg)
	overrideString(&cfg.Speech.Key, "STANDUP_SPEECH_KEY")
	overrideString(&cfg.Speech.Region, "STANDUP_SPEECH_REGION")
	overrideString(&cfg.Speech.Language, "STANDUP_SPEECH_LANGUAGE")
	overrideString(&cfg.Speech.Command, "STANDUP_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "STANDUP_SPEECH_MODEL_PATH")
	overrideInt(&cfg.Speech.SampleRate, "STANDUP_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "STANDUP_SPEECH_CHANNELS")
	overrideBool(&cfg.Speech.PublishInterim, "STANDUP_SPEECH_PUBLISH_INTERIM")
	overrideInt(&cfg.Speech.PartialEveryMS, "STANDUP_SPEECH_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Speech.TimeoutMS, "STANDUP_SPEECH_TIMEOUT_MS")
	overrideString(&cfg.Analysis.Endpoint, "STANDUP_ANALYSIS_ENDPOINT")
	overrideString(&cfg.Analysis.APIKey, "STANDUP_ANALYSIS_API_KEY")
	overrideString(&cfg.Analysis.Deployment, "STANDUP_ANALYSIS_DEPLOYMENT")
	overrideString(&cfg.Analysis.APIVersion, "STANDUP_ANALYSIS_API_VERSION")
	overrideString(&cfg.Analysis.Model, "STANDUP_ANALYSIS_MODEL")
	overrideString(&cfg.Analysis.Command, "STANDUP_ANALYSIS_COMMAND")
	overrideInt(&cfg.Analysis.MaxTokens, "STANDUP_ANALYSIS_MAX_TOKENS")
	overrideFloat(&cfg.Analysis.Temperature, "STANDUP_ANALYSIS_TEMPERATURE")
	overrideInt(&cfg.Analysis.TimeoutMS, "STANDUP_ANALYSIS_TIMEOUT_MS")
}

// applyAzureAliases maps the vendor variable names onto the azure backends.
// It runs before the STANDUP_* keys so those keep precedence, and leaves other
// modes alone so an exported AZURE_OPENAI_ENDPOINT never reaches ollama.
func applyAzureAliases(cfg *Config) {
	if cfg.Speech.Mode == "azure" {
		overrideString(&cfg.Speech.Key, "AZURE_SPEECH_KEY")
		overrideString(&cfg.Speech.Region, "AZURE_SPEECH_REGION")
	}
	if cfg.Analysis.Mode == "azure" {
		overrideString(&cfg.Analysis.Endpoint, "AZURE_OPENAI_ENDPOINT")
		overrideString(&cfg.Analysis.APIKey, "AZURE_OPENAI_KEY")
		overrideString(&cfg.Analysis.Deployment, "AZURE_OPENAI_DEPLOYMENT")
		overrideString(&cfg.Analysis.APIVersion, "AZURE_OPENAI_API_VERSION")
	}
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return fmt.Errorf("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return fmt.Errorf("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return fmt.Errorf("bus.servers must not be empty when embedded mode is disabled")
	}
	switch cfg.Store.Mode {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path must not be empty when mode=sqlite")
		}
	case "ephemeral":
	default:
		return fmt.Errorf("store.mode must be one of sqlite|ephemeral")
	}
	if cfg.Store.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Store.Timezone); err != nil {
			return fmt.Errorf("store.timezone: %w", err)
		}
	}
	if cfg.Recorder.CapSeconds <= 0 || cfg.Recorder.CapSeconds > MaxCapSeconds {
		return fmt.Errorf("recorder.cap_seconds must be between 1 and %d", MaxCapSeconds)
	}
	if cfg.Recorder.TickMS <= 0 {
		return fmt.Errorf("recorder.tick_ms must be positive")
	}
	if cfg.Capture.PermissionTimeoutMS < 0 {
		return fmt.Errorf("capture.permission_timeout_ms must be >= 0")
	}
	if cfg.Speech.SampleRate <= 0 {
		return fmt.Errorf("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return fmt.Errorf("speech.channels must be positive")
	}
	switch cfg.Speech.Mode {
	case "mock":
	case "exec":
		if cfg.Speech.Command == "" {
			return fmt.Errorf("speech.command must be set when mode=exec")
		}
	case "azure":
		if cfg.Speech.Key == "" || cfg.Speech.Region == "" {
			return fmt.Errorf("speech.key and speech.region must be set when mode=azure (AZURE_SPEECH_KEY, AZURE_SPEECH_REGION)")
		}
	default:
		return fmt.Errorf("speech.mode must be one of mock|exec|azure")
	}
	switch cfg.Analysis.Mode {
	case "mock":
	case "azure":
		var missing []string
		if cfg.Analysis.Endpoint == "" {
			missing = append(missing, "AZURE_OPENAI_ENDPOINT")
		}
		if cfg.Analysis.APIKey == "" {
			missing = append(missing, "AZURE_OPENAI_KEY")
		}
		if cfg.Analysis.Deployment == "" {
			missing = append(missing, "AZURE_OPENAI_DEPLOYMENT")
		}
		if len(missing) > 0 {
			return fmt.Errorf("analysis mode azure is missing %s", strings.Join(missing, ", "))
		}
	case "ollama":
		if cfg.Analysis.Endpoint == "" {
			return fmt.Errorf("analysis.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Analysis.Command == "" {
			return fmt.Errorf("analysis.command must be set when mode=exec")
		}
	default:
		return fmt.Errorf("analysis.mode must be one of mock|azure|ollama|exec")
	}
	if cfg.Analysis.MaxTokens < 0 {
		return fmt.Errorf("analysis.max_tokens must be >= 0")
	}
	if cfg.Analysis.TimeoutMS <= 0 {
		return fmt.Errorf("analysis.timeout_ms must be positive")
	}
	return nil
}
