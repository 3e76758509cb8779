package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Source      SourceConfig     `yaml:"source"`
	Stream      StreamConfig     `yaml:"stream"`
	Sink        SinkConfig       `yaml:"sink"`
	Relay       RelayConfig      `yaml:"relay"`
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

// NodeConfig identifies this relay on the bus. Its capabilities are derived
// from the relay and sink sections.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	Tier              string `yaml:"tier"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxStreams    int    `yaml:"max_streams"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SourceConfig selects the byte source that resolves media references.
type SourceConfig struct {
	Mode       string `yaml:"mode"` // http, exec, mock
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`
	UseQuery   bool   `yaml:"use_query"`
	Command    string `yaml:"command"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// StreamConfig holds the engine tuning copied into every new engine.
type StreamConfig struct {
	BatchSize           int `yaml:"batch_size"`
	MaxIdleSeconds      int `yaml:"max_idle_seconds"`
	RecordingIntervalMS int `yaml:"recording_interval_ms"`
	ChainedBackoffMS    int `yaml:"chained_backoff_ms"`
	ConsumePollMS       int `yaml:"consume_poll_ms"`
	UpdateRetries       int `yaml:"update_retries"`
	UpdateTimeoutMS     int `yaml:"update_timeout_ms"`
}

func (s StreamConfig) MaxIdle() time.Duration {
	return time.Duration(s.MaxIdleSeconds) * time.Second
}

func (s StreamConfig) RecordingInterval() time.Duration {
	return time.Duration(s.RecordingIntervalMS) * time.Millisecond
}

func (s StreamConfig) ChainedBackoff() time.Duration {
	return time.Duration(s.ChainedBackoffMS) * time.Millisecond
}

func (s StreamConfig) ConsumePoll() time.Duration {
	return time.Duration(s.ConsumePollMS) * time.Millisecond
}

func (s StreamConfig) UpdateTimeout() time.Duration {
	return time.Duration(s.UpdateTimeoutMS) * time.Millisecond
}

type SinkConfig struct {
	Directory string `yaml:"directory"`
	// BytesPerSecond is the simulated playback rate; 0 plays instantly.
	BytesPerSecond int `yaml:"bytes_per_second"`
}

type RelayConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultMode string `yaml:"default_mode"`
	MaxStreams  int    `yaml:"max_streams"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-media",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-media-1",
			Role:              "media-relay",
			Tier:              "balanced",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-media-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxStreams:    10000,
		},
		Source: SourceConfig{
			Mode:       "http",
			APIBaseURL: "https://api.liveinference.com",
			TimeoutMS:  30000,
		},
		Stream: StreamConfig{
			BatchSize:           3,
			MaxIdleSeconds:      180,
			RecordingIntervalMS: 3000,
			ChainedBackoffMS:    3000,
			ConsumePollMS:       1000,
			UpdateRetries:       10,
			UpdateTimeoutMS:     1000,
		},
		Sink: SinkConfig{
			Directory: "./data/streams",
		},
		Relay: RelayConfig{
			Enabled:     true,
			DefaultMode: "chained",
			MaxStreams:  64,
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideString(&cfg.Node.Tier, "LOQA_NODE_TIER")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxStreams, "LOQA_EVENT_STORE_MAX_STREAMS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Source.Mode, "LOQA_SOURCE_MODE")
	// the SDK's own variable is honoured first so LOQA_* wins when both are set
	overrideString(&cfg.Source.APIBaseURL, "LIVEINFERENCE_API_URL")
	overrideString(&cfg.Source.APIBaseURL, "LOQA_SOURCE_API_BASE_URL")
	overrideString(&cfg.Source.APIKey, "LOQA_SOURCE_API_KEY")
	overrideBool(&cfg.Source.UseQuery, "LOQA_SOURCE_USE_QUERY")
	overrideString(&cfg.Source.Command, "LOQA_SOURCE_COMMAND")
	overrideInt(&cfg.Source.TimeoutMS, "LOQA_SOURCE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.BatchSize, "LOQA_STREAM_BATCH_SIZE")
	overrideInt(&cfg.Stream.MaxIdleSeconds, "LOQA_STREAM_MAX_IDLE_SECONDS")
	overrideInt(&cfg.Stream.RecordingIntervalMS, "LOQA_STREAM_RECORDING_INTERVAL_MS")
	overrideInt(&cfg.Stream.ChainedBackoffMS, "LOQA_STREAM_CHAINED_BACKOFF_MS")
	overrideInt(&cfg.Stream.ConsumePollMS, "LOQA_STREAM_CONSUME_POLL_MS")
	overrideInt(&cfg.Stream.UpdateRetries, "LOQA_STREAM_UPDATE_RETRIES")
	overrideInt(&cfg.Stream.UpdateTimeoutMS, "LOQA_STREAM_UPDATE_TIMEOUT_MS")
	overrideString(&cfg.Sink.Directory, "LOQA_SINK_DIRECTORY")
	overrideInt(&cfg.Sink.BytesPerSecond, "LOQA_SINK_BYTES_PER_SECOND")
	overrideBool(&cfg.Relay.Enabled, "LOQA_RELAY_ENABLED")
	overrideString(&cfg.Relay.DefaultMode, "LOQA_RELAY_DEFAULT_MODE")
	overrideInt(&cfg.Relay.MaxStreams, "LOQA_RELAY_MAX_STREAMS")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Source.Mode {
	case "http", "mock":
	case "exec":
		if cfg.Source.Command == "" {
			return errors.New("source.command must be set when mode=exec")
		}
	default:
		return errors.New("source.mode must be one of http|exec|mock")
	}
	if cfg.Source.Mode == "http" && cfg.Source.APIBaseURL == "" {
		return errors.New("source.api_base_url must be set when mode=http")
	}
	if cfg.Stream.BatchSize <= 0 {
		return errors.New("stream.batch_size must be >= 1")
	}
	if cfg.Stream.MaxIdleSeconds <= 0 {
		return errors.New("stream.max_idle_seconds must be positive")
	}
	if cfg.Stream.RecordingIntervalMS <= 0 || cfg.Stream.ChainedBackoffMS <= 0 || cfg.Stream.ConsumePollMS <= 0 {
		return errors.New("stream intervals must be positive")
	}
	if cfg.Stream.UpdateRetries <= 0 || cfg.Stream.UpdateTimeoutMS <= 0 {
		return errors.New("stream.update_retries and stream.update_timeout_ms must be positive")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
	}
	if cfg.Sink.Directory == "" {
		return errors.New("sink.directory must not be empty")
	}
	if cfg.Sink.BytesPerSecond < 0 {
		return errors.New("sink.bytes_per_second must be >= 0")
	}
	if cfg.Relay.Enabled {
		switch cfg.Relay.DefaultMode {
		case "chained", "continuous":
		default:
			return errors.New("relay.default_mode must be one of chained|continuous")
		}
		if cfg.Relay.MaxStreams <= 0 {
			return errors.New("relay.max_streams must be >= 1")
		}
	}
	return nil
}
