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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Permission  PermissionConfig  `yaml:"permission"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	EventPrefix    string   `yaml:"event_prefix"`
}

// NodeConfig identifies this listener on the bus for presence heartbeats.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PermissionConfig struct {
	Mode string `yaml:"mode"` // grant, deny, restrict, prompt
}

type CaptureConfig struct {
	Device       string `yaml:"device"` // synthetic, wav, bus, portaudio
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	BufferFrames int    `yaml:"buffer_frames"`
	QueueDepth   int    `yaml:"queue_depth"`
	WAVPath      string `yaml:"wav_path"`
	Loop         bool   `yaml:"loop"`
	BusDeviceID  string `yaml:"bus_device_id"`
	ToneHz       int    `yaml:"tone_hz"`
}

type RecognitionConfig struct {
	Policy         string `yaml:"policy"` // single_utterance, continuous
	Mode           string `yaml:"mode"`   // mock, exec, bus
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	Subject        string `yaml:"subject"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			EventPrefix:    "listen.event",
		},
		Node: NodeConfig{
			ID:                "loqa-listen-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Permission: PermissionConfig{
			Mode: "grant",
		},
		Capture: CaptureConfig{
			Device:       "synthetic",
			SampleRate:   16000,
			Channels:     1,
			BufferFrames: 1024,
			QueueDepth:   32,
			ToneHz:       440,
		},
		Recognition: RecognitionConfig{
			Policy:         "single_utterance",
			Mode:           "mock",
			PartialEveryMS: 800,
			Subject:        "stt.recognize",
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
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.EventPrefix, "LOQA_BUS_EVENT_PREFIX")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Permission.Mode, "LOQA_PERMISSION_MODE")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BufferFrames, "LOQA_CAPTURE_BUFFER_FRAMES")
	overrideInt(&cfg.Capture.QueueDepth, "LOQA_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Capture.WAVPath, "LOQA_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Loop, "LOQA_CAPTURE_LOOP")
	overrideString(&cfg.Capture.BusDeviceID, "LOQA_CAPTURE_BUS_DEVICE_ID")
	overrideInt(&cfg.Capture.ToneHz, "LOQA_CAPTURE_TONE_HZ")
	overrideString(&cfg.Recognition.Policy, "LOQA_RECOGNITION_POLICY")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "LOQA_RECOGNITION_MODEL_PATH")
	overrideString(&cfg.Recognition.Language, "LOQA_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.PartialEveryMS, "LOQA_RECOGNITION_PARTIAL_EVERY_MS")
	overrideString(&cfg.Recognition.Subject, "LOQA_RECOGNITION_SUBJECT")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.EventPrefix == "" {
			return errors.New("bus.event_prefix must not be empty")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Permission.Mode {
	case "grant", "deny", "restrict", "prompt":
	default:
		return errors.New("permission.mode must be one of grant|deny|restrict|prompt")
	}
	switch cfg.Capture.Device {
	case "synthetic", "portaudio":
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when device=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.device=bus requires bus.enabled")
		}
		if cfg.Capture.BusDeviceID == "" {
			return errors.New("capture.bus_device_id must be set when device=bus")
		}
	default:
		return errors.New("capture.device must be one of synthetic|wav|bus|portaudio")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.BufferFrames <= 0 {
		return errors.New("capture.buffer_frames must be positive")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	switch cfg.Recognition.Policy {
	case "single_utterance", "continuous":
	default:
		return errors.New("recognition.policy must be one of single_utterance|continuous")
	}
	switch cfg.Recognition.Mode {
	case "mock":
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("recognition.mode=bus requires bus.enabled")
		}
		if cfg.Recognition.Subject == "" {
			return errors.New("recognition.subject must be set when mode=bus")
		}
	default:
		return errors.New("recognition.mode must be one of mock|exec|bus")
	}
	if cfg.Recognition.PartialEveryMS < 0 {
		return errors.New("recognition.partial_every_ms must be >= 0")
	}
	return nil
}
