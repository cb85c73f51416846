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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Storage     StorageConfig    `yaml:"storage"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Extract     ExtractConfig    `yaml:"extract"`
	Synth       SynthConfig      `yaml:"synth"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Worker      WorkerConfig     `yaml:"worker"`
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

type StorageConfig struct {
	// WorkDir holds one subdirectory per session: checkpoint, chapter
	// manifest and audio artifacts.
	WorkDir string `yaml:"work_dir"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ExtractConfig struct {
	Mode    string `yaml:"mode"` // manifest, exec
	Command string `yaml:"command"`
}

type SynthConfig struct {
	Engine     string `yaml:"engine"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type DispatchConfig struct {
	Workers          []string `yaml:"workers"`
	PollIntervalMS   int      `yaml:"poll_interval_ms"`
	HealthTimeoutMS  int      `yaml:"health_timeout_ms"`
	ProcessTimeoutMS int      `yaml:"process_timeout_ms"`
	MaxAttempts      int      `yaml:"max_attempts"`
	CooldownMS       int      `yaml:"cooldown_ms"`
}

type WorkerConfig struct {
	Name string `yaml:"name"`
}

func Default() Config {
	return Config{
		RuntimeName: "inkvoice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Storage: StorageConfig{
			WorkDir: "./data/sessions",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/inkvoice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Extract: ExtractConfig{
			Mode: "manifest",
		},
		Synth: SynthConfig{
			Engine:     "mock",
			Voice:      "default",
			Language:   "en",
			SampleRate: 22050,
			Channels:   1,
		},
		Dispatch: DispatchConfig{
			Workers:          []string{"worker-1"},
			PollIntervalMS:   1000,
			HealthTimeoutMS:  3000,
			ProcessTimeoutMS: 1800000,
			MaxAttempts:      3,
			CooldownMS:       5000,
		},
		Worker: WorkerConfig{
			Name: "worker-1",
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
	overrideString(&cfg.RuntimeName, "INKVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "INKVOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "INKVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "INKVOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "INKVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "INKVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "INKVOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "INKVOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "INKVOICE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "INKVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "INKVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "INKVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "INKVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "INKVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "INKVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Storage.WorkDir, "INKVOICE_STORAGE_WORK_DIR")
	overrideString(&cfg.EventStore.Path, "INKVOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "INKVOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "INKVOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "INKVOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "INKVOICE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Extract.Mode, "INKVOICE_EXTRACT_MODE")
	overrideString(&cfg.Extract.Command, "INKVOICE_EXTRACT_COMMAND")
	overrideString(&cfg.Synth.Engine, "INKVOICE_SYNTH_ENGINE")
	overrideString(&cfg.Synth.Command, "INKVOICE_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Voice, "INKVOICE_SYNTH_VOICE")
	overrideString(&cfg.Synth.Language, "INKVOICE_SYNTH_LANGUAGE")
	overrideInt(&cfg.Synth.SampleRate, "INKVOICE_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.Channels, "INKVOICE_SYNTH_CHANNELS")
	overrideStringSlice(&cfg.Dispatch.Workers, "INKVOICE_DISPATCH_WORKERS")
	overrideInt(&cfg.Dispatch.PollIntervalMS, "INKVOICE_DISPATCH_POLL_INTERVAL_MS")
	overrideInt(&cfg.Dispatch.HealthTimeoutMS, "INKVOICE_DISPATCH_HEALTH_TIMEOUT_MS")
	overrideInt(&cfg.Dispatch.ProcessTimeoutMS, "INKVOICE_DISPATCH_PROCESS_TIMEOUT_MS")
	overrideInt(&cfg.Dispatch.MaxAttempts, "INKVOICE_DISPATCH_MAX_ATTEMPTS")
	overrideInt(&cfg.Dispatch.CooldownMS, "INKVOICE_DISPATCH_COOLDOWN_MS")
	overrideString(&cfg.Worker.Name, "INKVOICE_WORKER_NAME")
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
	if cfg.Storage.WorkDir == "" {
		return errors.New("storage.work_dir must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Extract.Mode {
	case "manifest", "exec":
	default:
		return errors.New("extract.mode must be one of manifest|exec")
	}
	if cfg.Extract.Mode == "exec" && cfg.Extract.Command == "" {
		return errors.New("extract.command must be set when mode=exec")
	}
	switch cfg.Synth.Engine {
	case "mock", "exec":
	default:
		return errors.New("synth.engine must be one of mock|exec")
	}
	if cfg.Synth.Engine == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when engine=exec")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.Channels <= 0 {
		return errors.New("synth.channels must be positive")
	}
	if len(cfg.Dispatch.Workers) == 0 {
		return errors.New("dispatch.workers must not be empty")
	}
	if cfg.Dispatch.PollIntervalMS <= 0 {
		return errors.New("dispatch.poll_interval_ms must be positive")
	}
	if cfg.Dispatch.HealthTimeoutMS <= 0 {
		return errors.New("dispatch.health_timeout_ms must be positive")
	}
	if cfg.Dispatch.ProcessTimeoutMS <= cfg.Dispatch.HealthTimeoutMS {
		return errors.New("dispatch.process_timeout_ms must be greater than health timeout")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return errors.New("dispatch.max_attempts must be >= 1")
	}
	if cfg.Dispatch.CooldownMS < 0 {
		return errors.New("dispatch.cooldown_ms must be >= 0")
	}
	if cfg.Worker.Name == "" {
		return errors.New("worker.name must not be empty")
	}
	return nil
}

// SynthSettings flattens the synthesis parameters into the opaque
// configuration map frozen inside a checkpoint. Resume compares this map
// verbatim, so every field that influences produced audio belongs here.
func (c Config) SynthSettings() map[string]string {
	return map[string]string{
		"engine":      c.Synth.Engine,
		"voice":       c.Synth.Voice,
		"language":    c.Synth.Language,
		"sample_rate": strconv.Itoa(c.Synth.SampleRate),
		"channels":    strconv.Itoa(c.Synth.Channels),
	}
}
