package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text", cfg.Log.Format)
	}
	if cfg.Engine.InitialRTO != 100*time.Millisecond {
		t.Errorf("Engine.InitialRTO = %v, want 100ms", cfg.Engine.InitialRTO)
	}
	if cfg.Engine.MaxRequests != 7 {
		t.Errorf("Engine.MaxRequests = %d, want 7", cfg.Engine.MaxRequests)
	}
	if cfg.Server.Enabled {
		t.Error("Server.Enabled = true, want false")
	}
	if len(cfg.Server.Listen) != 1 || cfg.Server.Listen[0] != "0.0.0.0:3478" {
		t.Errorf("Server.Listen = %v, want [0.0.0.0:3478]", cfg.Server.Listen)
	}
	if !cfg.ICMP.Enabled {
		t.Error("ICMP.Enabled = false, want true")
	}
	if cfg.Chaos.Enabled {
		t.Error("Chaos.Enabled = true, want false")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: "debug"
  format: "json"

engine:
  initial_rto: 50ms
  max_rto: 800ms
  max_requests: 5
  final_wait_factor: 2.0
  retention_time: 8s
  retention_size: 1024

server:
  enabled: true
  listen:
    - "0.0.0.0:3478"
    - "0.0.0.0:3479"
  software: "stunwire/1.0"
  fingerprint: true
  rate_limit:
    enabled: true
    requests_per_second: 25
    burst: 50

client:
  servers:
    - "stun.example.org:3478"

health:
  enabled: true
  address: ":9090"
  read_timeout: 5s

control:
  enabled: true
  socket_path: "/run/stunwire.sock"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Verify parsed values
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Engine.InitialRTO != 50*time.Millisecond {
		t.Errorf("Engine.InitialRTO = %v, want 50ms", cfg.Engine.InitialRTO)
	}
	if cfg.Engine.MaxRTO != 800*time.Millisecond {
		t.Errorf("Engine.MaxRTO = %v, want 800ms", cfg.Engine.MaxRTO)
	}
	if cfg.Engine.FinalWaitFactor != 2.0 {
		t.Errorf("Engine.FinalWaitFactor = %v, want 2.0", cfg.Engine.FinalWaitFactor)
	}
	if cfg.Engine.RetentionTime != 8*time.Second {
		t.Errorf("Engine.RetentionTime = %v, want 8s", cfg.Engine.RetentionTime)
	}
	if len(cfg.Server.Listen) != 2 {
		t.Errorf("len(Server.Listen) = %d, want 2", len(cfg.Server.Listen))
	}
	if cfg.Server.Software != "stunwire/1.0" {
		t.Errorf("Server.Software = %s, want stunwire/1.0", cfg.Server.Software)
	}
	if !cfg.Server.Fingerprint {
		t.Error("Server.Fingerprint = false, want true")
	}
	if !cfg.Server.RateLimit.Enabled || cfg.Server.RateLimit.RequestsPerSecond != 25 {
		t.Errorf("Server.RateLimit = %+v, want enabled at 25 rps", cfg.Server.RateLimit)
	}
	if len(cfg.Client.Servers) != 1 || cfg.Client.Servers[0] != "stun.example.org:3478" {
		t.Errorf("Client.Servers = %v, want [stun.example.org:3478]", cfg.Client.Servers)
	}
	if cfg.Health.ReadTimeout != 5*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 5s", cfg.Health.ReadTimeout)
	}
	if cfg.Control.SocketPath != "/run/stunwire.sock" {
		t.Errorf("Control.SocketPath = %s, want /run/stunwire.sock", cfg.Control.SocketPath)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
log:
  level: "warn"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should use defaults for unspecified fields
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text (default)", cfg.Log.Format)
	}
	if cfg.Engine.MaxRequests != 7 {
		t.Errorf("Engine.MaxRequests = %d, want 7 (default)", cfg.Engine.MaxRequests)
	}
	if cfg.Engine.RetentionSize != 4096 {
		t.Errorf("Engine.RetentionSize = %d, want 4096 (default)", cfg.Engine.RetentionSize)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
log:
  level: "info"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name: "invalid log level",
			yaml: `
log:
  level: "invalid"
`,
			wantError: "invalid log.level",
		},
		{
			name: "invalid log format",
			yaml: `
log:
  format: "invalid"
`,
			wantError: "invalid log.format",
		},
		{
			name: "zero initial rto",
			yaml: `
engine:
  initial_rto: 0s
`,
			wantError: "engine.initial_rto must be positive",
		},
		{
			name: "max rto below initial",
			yaml: `
engine:
  initial_rto: 200ms
  max_rto: 100ms
`,
			wantError: "engine.max_rto must be >= initial_rto",
		},
		{
			name: "zero max requests",
			yaml: `
engine:
  max_requests: 0
`,
			wantError: "engine.max_requests must be at least 1",
		},
		{
			name: "final wait factor below one",
			yaml: `
engine:
  final_wait_factor: 0.5
`,
			wantError: "engine.final_wait_factor must be >= 1.0",
		},
		{
			name: "server enabled without listen",
			yaml: `
server:
  enabled: true
  listen: []
`,
			wantError: "server.listen needs at least one address",
		},
		{
			name: "server invalid listen address",
			yaml: `
server:
  enabled: true
  listen:
    - "no-port-here"
`,
			wantError: "server.listen[0]: invalid address",
		},
		{
			name: "rate limit without rate",
			yaml: `
server:
  rate_limit:
    enabled: true
    requests_per_second: 0
`,
			wantError: "requests_per_second must be positive",
		},
		{
			name: "invalid client server",
			yaml: `
client:
  servers:
    - "stun.example.org"
`,
			wantError: "client.servers[0]: invalid address",
		},
		{
			name: "health enabled without address",
			yaml: `
health:
  enabled: true
  address: ""
`,
			wantError: "health.address is required",
		},
		{
			name: "control enabled without socket",
			yaml: `
control:
  enabled: true
  socket_path: ""
`,
			wantError: "control.socket_path is required",
		},
		{
			name: "drop rate out of range",
			yaml: `
chaos:
  drop_rate: 1.5
`,
			wantError: "chaos.drop_rate must be between 0 and 1",
		},
		{
			name: "negative delay",
			yaml: `
chaos:
  delay: -5ms
`,
			wantError: "chaos.delay must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	// Set test environment variables
	os.Setenv("TEST_STUN_SERVER", "stun.example.org:3478")
	os.Setenv("TEST_SOCKET_PATH", "/run/test.sock")
	defer func() {
		os.Unsetenv("TEST_STUN_SERVER")
		os.Unsetenv("TEST_SOCKET_PATH")
	}()

	yamlConfig := `
client:
  servers:
    - "${TEST_STUN_SERVER}"

control:
  enabled: true
  socket_path: "$TEST_SOCKET_PATH"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Client.Servers[0] != "stun.example.org:3478" {
		t.Errorf("Client.Servers[0] = %s, want stun.example.org:3478", cfg.Client.Servers[0])
	}
	if cfg.Control.SocketPath != "/run/test.sock" {
		t.Errorf("Control.SocketPath = %s, want /run/test.sock", cfg.Control.SocketPath)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	// Ensure the variable is NOT set
	os.Unsetenv("TEST_UNSET_SOFTWARE")

	yamlConfig := `
server:
  software: "${TEST_UNSET_SOFTWARE:-stunwire/dev}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Software != "stunwire/dev" {
		t.Errorf("Server.Software = %s, want stunwire/dev (default)", cfg.Server.Software)
	}
}

func TestParse_EnvVarUnknownKept(t *testing.T) {
	os.Unsetenv("TEST_TOTALLY_UNSET")

	yamlConfig := `
server:
  software: "$TEST_TOTALLY_UNSET"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Unknown variables are kept verbatim so typos stay visible.
	if cfg.Server.Software != "$TEST_TOTALLY_UNSET" {
		t.Errorf("Server.Software = %s, want the literal reference", cfg.Server.Software)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: "debug"
client:
  servers:
    - "127.0.0.1:3478"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if len(cfg.Client.Servers) != 1 {
		t.Errorf("len(Client.Servers) = %d, want 1", len(cfg.Client.Servers))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Server.IntegrityKey = "super secret"

	redacted := cfg.Redacted()
	if redacted.Server.IntegrityKey != redactedValue {
		t.Errorf("Redacted().Server.IntegrityKey = %s, want %s", redacted.Server.IntegrityKey, redactedValue)
	}

	// The original must be untouched.
	if cfg.Server.IntegrityKey != "super secret" {
		t.Errorf("original IntegrityKey = %s, want super secret", cfg.Server.IntegrityKey)
	}
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Server.IntegrityKey = "super secret"

	s := cfg.String()
	if strings.Contains(s, "super secret") {
		t.Error("String() leaked the integrity key")
	}
	if !strings.Contains(s, redactedValue) {
		t.Error("String() does not mark the redacted key")
	}

	unsafe := cfg.StringUnsafe()
	if !strings.Contains(unsafe, "super secret") {
		t.Error("StringUnsafe() should include the integrity key")
	}
}

func TestHasSensitiveData(t *testing.T) {
	cfg := Default()
	if cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = true for defaults")
	}

	cfg.Server.IntegrityKey = "key"
	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false with an integrity key set")
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0.0.0.0:3478", true},
		{"127.0.0.1:0", true},
		{"stun.example.org:3478", true},
		{"[2001:db8::1]:3478", true},
		{"example.org", false},
		{":3478", false},
		{"host:", false},
		{"host:notaport", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isValidHostPort(tt.addr); got != tt.want {
			t.Errorf("isValidHostPort(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
