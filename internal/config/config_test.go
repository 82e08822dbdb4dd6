package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recognition.Policy != "single_utterance" {
		t.Fatalf("expected single_utterance default policy, got %q", cfg.Recognition.Policy)
	}
	if cfg.Capture.Device != "synthetic" {
		t.Fatalf("expected synthetic capture default, got %q", cfg.Capture.Device)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	data := []byte(`
runtime_name: kitchen-listener
capture:
  device: wav
  wav_path: ./fixtures/hello.wav
  loop: true
recognition:
  policy: continuous
  mode: exec
  command: "whisper-cli --threads 2"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "kitchen-listener" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.Device != "wav" || !cfg.Capture.Loop {
		t.Fatalf("expected wav looping capture, got %+v", cfg.Capture)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected untouched default sample rate, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Recognition.Policy != "continuous" {
		t.Fatalf("expected continuous policy, got %q", cfg.Recognition.Policy)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_PERMISSION_MODE", "deny")
	t.Setenv("LOQA_CAPTURE_BUFFER_FRAMES", "512")
	t.Setenv("LOQA_RECOGNITION_POLICY", "continuous")
	t.Setenv("LOQA_RECOGNITION_PARTIAL_EVERY_MS", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides, got %+v", cfg.Node)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store retention overrides")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Permission.Mode != "deny" {
		t.Fatalf("expected permission mode override, got %q", cfg.Permission.Mode)
	}
	if cfg.Capture.BufferFrames != 512 {
		t.Fatalf("expected buffer frames override, got %d", cfg.Capture.BufferFrames)
	}
	if cfg.Recognition.Policy != "continuous" || cfg.Recognition.PartialEveryMS != 250 {
		t.Fatalf("expected recognition overrides, got %+v", cfg.Recognition)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"policy":         func(c *Config) { c.Recognition.Policy = "forever" },
		"permission":     func(c *Config) { c.Permission.Mode = "maybe" },
		"exec command":   func(c *Config) { c.Recognition.Mode = "exec" },
		"wav path":       func(c *Config) { c.Capture.Device = "wav" },
		"bus capture":    func(c *Config) { c.Capture.Device = "bus"; c.Capture.BusDeviceID = "kitchen" },
		"buffer frames":  func(c *Config) { c.Capture.BufferFrames = 0 },
		"retention mode": func(c *Config) { c.EventStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
