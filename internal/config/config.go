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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Backend     BackendConfig    `yaml:"backend"`
	Gate        GateConfig       `yaml:"gate"`
	Worker      WorkerConfig     `yaml:"worker"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// BackendConfig describes the synthesis process the gateway launches and proxies to.
type BackendConfig struct {
	Managed         bool   `yaml:"managed"`
	Command         string `yaml:"command"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	VoiceDir        string `yaml:"voice_dir"`
	BaseURL         string `yaml:"base_url"` // only used when managed=false
	MaxRetries      int    `yaml:"max_retries"`
	RetryIntervalMS int    `yaml:"retry_interval_ms"`
	ProbeTimeoutMS  int    `yaml:"probe_timeout_ms"`
	RequestTimeout  int    `yaml:"request_timeout_ms"` // 0 disables
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms"`
}

type GateConfig struct {
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"` // 0 waits forever
}

type WorkerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Subject       string `yaml:"subject"`
	CancelSubject string `yaml:"cancel_subject"`
	QueueGroup    string `yaml:"queue_group"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-ttsgw",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/ttsgw-jobs.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxJobs:       10000,
		},
		Backend: BackendConfig{
			Managed:         true,
			Command:         "fish-speech",
			Host:            "127.0.0.1",
			Port:            3000,
			VoiceDir:        "/app/voices",
			MaxRetries:      60,
			RetryIntervalMS: 1000,
			ProbeTimeoutMS:  30000,
			ShutdownGraceMS: 5000,
		},
		Worker: WorkerConfig{
			Enabled:       true,
			Subject:       "tts.jobs",
			CancelSubject: "tts.jobs.cancel",
			QueueGroup:    "ttsgw",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	// FISH_PORT and VOICE_DIR are the names container images already export.
	overrideInt(&cfg.Backend.Port, "FISH_PORT")
	overrideString(&cfg.Backend.VoiceDir, "VOICE_DIR")
	overrideBool(&cfg.Backend.Managed, "LOQA_BACKEND_MANAGED")
	overrideString(&cfg.Backend.Command, "LOQA_BACKEND_COMMAND")
	overrideString(&cfg.Backend.Host, "LOQA_BACKEND_HOST")
	overrideInt(&cfg.Backend.Port, "LOQA_BACKEND_PORT")
	overrideString(&cfg.Backend.VoiceDir, "LOQA_BACKEND_VOICE_DIR")
	overrideString(&cfg.Backend.BaseURL, "LOQA_BACKEND_BASE_URL")
	overrideInt(&cfg.Backend.MaxRetries, "LOQA_BACKEND_MAX_RETRIES")
	overrideInt(&cfg.Backend.RetryIntervalMS, "LOQA_BACKEND_RETRY_INTERVAL_MS")
	overrideInt(&cfg.Backend.ProbeTimeoutMS, "LOQA_BACKEND_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.Backend.RequestTimeout, "LOQA_BACKEND_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Backend.ShutdownGraceMS, "LOQA_BACKEND_SHUTDOWN_GRACE_MS")
	overrideInt(&cfg.Gate.AcquireTimeoutMS, "LOQA_GATE_ACQUIRE_TIMEOUT_MS")
	overrideBool(&cfg.Worker.Enabled, "LOQA_WORKER_ENABLED")
	overrideString(&cfg.Worker.Subject, "LOQA_WORKER_SUBJECT")
	overrideString(&cfg.Worker.CancelSubject, "LOQA_WORKER_CANCEL_SUBJECT")
	overrideString(&cfg.Worker.QueueGroup, "LOQA_WORKER_QUEUE_GROUP")
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
	if cfg.Backend.Managed {
		if strings.TrimSpace(cfg.Backend.Command) == "" {
			return errors.New("backend.command must be set when managed=true")
		}
		if cfg.Backend.Port <= 0 || cfg.Backend.Port > 65535 {
			return errors.New("backend.port must be between 1 and 65535")
		}
	} else if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url must be set when managed=false")
	}
	if cfg.Backend.MaxRetries <= 0 {
		return errors.New("backend.max_retries must be >= 1")
	}
	if cfg.Backend.RetryIntervalMS < 0 {
		return errors.New("backend.retry_interval_ms must be >= 0")
	}
	if cfg.Backend.RequestTimeout < 0 {
		return errors.New("backend.request_timeout_ms must be >= 0")
	}
	if cfg.Gate.AcquireTimeoutMS < 0 {
		return errors.New("gate.acquire_timeout_ms must be >= 0")
	}
	if cfg.Worker.Enabled {
		if cfg.Worker.Subject == "" {
			return errors.New("worker.subject must not be empty when worker is enabled")
		}
		if cfg.Worker.CancelSubject == cfg.Worker.Subject {
			return errors.New("worker.cancel_subject must differ from worker.subject")
		}
	}
	return nil
}
