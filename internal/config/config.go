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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Transport   TransportConfig  `yaml:"transport"`
	Session     SessionConfig    `yaml:"session"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
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

// TransportConfig controls the recognizer link: WebSocket primary path,
// HTTP fallback once reconnect attempts exceed the bound.
type TransportConfig struct {
	WebSocketURL         string `yaml:"websocket_url"`
	FallbackURL          string `yaml:"fallback_url"`
	APIKey               string `yaml:"api_key"`
	HeartbeatInterval    int    `yaml:"heartbeat_interval_ms"`
	ConnectionTimeout    int    `yaml:"connection_timeout_ms"`
	RetryDelayBase       int    `yaml:"retry_delay_base_ms"`
	RetryDelayMax        int    `yaml:"retry_delay_max_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	SendQueueSize        int    `yaml:"send_queue_size"`
}

type SessionConfig struct {
	GapThreshold     int     `yaml:"gap_threshold_ms"`
	GapScanInterval  int     `yaml:"gap_scan_interval_ms"`
	HealthInterval   int     `yaml:"health_check_interval_ms"`
	SampleRate       int     `yaml:"sample_rate"`
	BytesPerSample   int     `yaml:"bytes_per_sample"`
	OverlapWindow    int     `yaml:"overlap_window_ms"`
	MaxRetryAttempts int     `yaml:"max_retry_attempts"`
	MinConfidence    float64 `yaml:"min_confidence"`
	RetryConfidence  float64 `yaml:"retry_confidence"`
	MaxLatency       int     `yaml:"max_latency_ms"`
}

type CheckpointConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribeflow-runtime",
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
		Transport: TransportConfig{
			WebSocketURL:         "ws://localhost:9400/v1/stream",
			FallbackURL:          "http://localhost:9400/v1/stream",
			HeartbeatInterval:    5000,
			ConnectionTimeout:    30000,
			RetryDelayBase:       1000,
			RetryDelayMax:        30000,
			MaxReconnectAttempts: 3,
			SendQueueSize:        256,
		},
		Session: SessionConfig{
			GapThreshold:     500,
			GapScanInterval:  1000,
			HealthInterval:   2000,
			SampleRate:       16000,
			BytesPerSample:   2,
			OverlapWindow:    5000,
			MaxRetryAttempts: 5,
			MinConfidence:    0.7,
			RetryConfidence:  0.5,
			MaxLatency:       5000,
		},
		Checkpoint: CheckpointConfig{
			Path:          "./data/scribeflow-checkpoints.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "SCRIBEFLOW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBEFLOW_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBEFLOW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBEFLOW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBEFLOW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBEFLOW_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBEFLOW_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBEFLOW_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBEFLOW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBEFLOW_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBEFLOW_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBEFLOW_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBEFLOW_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBEFLOW_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBEFLOW_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBEFLOW_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Transport.WebSocketURL, "SCRIBEFLOW_TRANSPORT_WEBSOCKET_URL")
	overrideString(&cfg.Transport.FallbackURL, "SCRIBEFLOW_TRANSPORT_FALLBACK_URL")
	overrideString(&cfg.Transport.APIKey, "SCRIBEFLOW_TRANSPORT_API_KEY")
	overrideInt(&cfg.Transport.HeartbeatInterval, "SCRIBEFLOW_TRANSPORT_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Transport.ConnectionTimeout, "SCRIBEFLOW_TRANSPORT_CONNECTION_TIMEOUT_MS")
	overrideInt(&cfg.Transport.RetryDelayBase, "SCRIBEFLOW_TRANSPORT_RETRY_DELAY_BASE_MS")
	overrideInt(&cfg.Transport.RetryDelayMax, "SCRIBEFLOW_TRANSPORT_RETRY_DELAY_MAX_MS")
	overrideInt(&cfg.Transport.MaxReconnectAttempts, "SCRIBEFLOW_TRANSPORT_MAX_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.Transport.SendQueueSize, "SCRIBEFLOW_TRANSPORT_SEND_QUEUE_SIZE")
	overrideInt(&cfg.Session.GapThreshold, "SCRIBEFLOW_SESSION_GAP_THRESHOLD_MS")
	overrideInt(&cfg.Session.GapScanInterval, "SCRIBEFLOW_SESSION_GAP_SCAN_INTERVAL_MS")
	overrideInt(&cfg.Session.HealthInterval, "SCRIBEFLOW_SESSION_HEALTH_CHECK_INTERVAL_MS")
	overrideInt(&cfg.Session.SampleRate, "SCRIBEFLOW_SESSION_SAMPLE_RATE")
	overrideInt(&cfg.Session.BytesPerSample, "SCRIBEFLOW_SESSION_BYTES_PER_SAMPLE")
	overrideInt(&cfg.Session.OverlapWindow, "SCRIBEFLOW_SESSION_OVERLAP_WINDOW_MS")
	overrideInt(&cfg.Session.MaxRetryAttempts, "SCRIBEFLOW_SESSION_MAX_RETRY_ATTEMPTS")
	overrideFloat(&cfg.Session.MinConfidence, "SCRIBEFLOW_SESSION_MIN_CONFIDENCE")
	overrideFloat(&cfg.Session.RetryConfidence, "SCRIBEFLOW_SESSION_RETRY_CONFIDENCE")
	overrideInt(&cfg.Session.MaxLatency, "SCRIBEFLOW_SESSION_MAX_LATENCY_MS")
	overrideString(&cfg.Checkpoint.Path, "SCRIBEFLOW_CHECKPOINT_PATH")
	overrideString(&cfg.Checkpoint.RetentionMode, "SCRIBEFLOW_CHECKPOINT_RETENTION_MODE")
	overrideInt(&cfg.Checkpoint.RetentionDays, "SCRIBEFLOW_CHECKPOINT_RETENTION_DAYS")
	overrideInt(&cfg.Checkpoint.MaxSessions, "SCRIBEFLOW_CHECKPOINT_MAX_SESSIONS")
	overrideBool(&cfg.Checkpoint.VacuumOnStart, "SCRIBEFLOW_CHECKPOINT_VACUUM_ON_START")
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
	if cfg.Transport.WebSocketURL == "" {
		return errors.New("transport.websocket_url must not be empty")
	}
	if cfg.Transport.FallbackURL == "" {
		return errors.New("transport.fallback_url must not be empty")
	}
	if cfg.Transport.HeartbeatInterval <= 0 {
		return errors.New("transport.heartbeat_interval_ms must be positive")
	}
	if cfg.Transport.ConnectionTimeout <= cfg.Transport.HeartbeatInterval {
		return errors.New("transport.connection_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Transport.RetryDelayBase <= 0 {
		return errors.New("transport.retry_delay_base_ms must be positive")
	}
	if cfg.Transport.RetryDelayMax < cfg.Transport.RetryDelayBase {
		return errors.New("transport.retry_delay_max_ms must be >= retry_delay_base_ms")
	}
	if cfg.Transport.MaxReconnectAttempts <= 0 {
		return errors.New("transport.max_reconnect_attempts must be positive")
	}
	if cfg.Transport.SendQueueSize <= 0 {
		return errors.New("transport.send_queue_size must be positive")
	}
	if cfg.Session.GapThreshold <= 0 {
		return errors.New("session.gap_threshold_ms must be positive")
	}
	if cfg.Session.GapScanInterval <= 0 {
		return errors.New("session.gap_scan_interval_ms must be positive")
	}
	if cfg.Session.HealthInterval <= 0 {
		return errors.New("session.health_check_interval_ms must be positive")
	}
	if cfg.Session.SampleRate <= 0 {
		return errors.New("session.sample_rate must be positive")
	}
	if cfg.Session.BytesPerSample <= 0 {
		return errors.New("session.bytes_per_sample must be positive")
	}
	if cfg.Session.OverlapWindow <= 0 {
		return errors.New("session.overlap_window_ms must be positive")
	}
	if cfg.Session.MaxRetryAttempts <= 0 {
		return errors.New("session.max_retry_attempts must be positive")
	}
	if cfg.Session.MinConfidence < 0 || cfg.Session.MinConfidence > 1 {
		return errors.New("session.min_confidence must be within [0, 1]")
	}
	if cfg.Session.RetryConfidence < 0 || cfg.Session.RetryConfidence > cfg.Session.MinConfidence {
		return errors.New("session.retry_confidence must be within [0, min_confidence]")
	}
	if cfg.Session.MaxLatency <= 0 {
		return errors.New("session.max_latency_ms must be positive")
	}
	if cfg.Checkpoint.Path == "" {
		return errors.New("checkpoint.path must not be empty")
	}
	switch cfg.Checkpoint.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("checkpoint.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Checkpoint.RetentionDays < 0 {
		return errors.New("checkpoint.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
