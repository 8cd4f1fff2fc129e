package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	// invalid
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestLoad_WithEnvAndExplicitValues(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	// Use env expansion for the signing secret
	t.Setenv("SIGN_SECRET", "secret123")

	yaml := `
server:
  address: ":0"
  publicBaseUrl: "https://grader.example.com"
  readTimeout: 1s
  writeTimeout: 2s
  idleTimeout: 3s
  maxUploadSize: 1Mi
  storageDir: "` + escapeBackslashes(dir) + `"
  apiKey: "key123"
  shutdownGrace: 5s
  logLevel: "debug"

grading:
  maxFanout: 4
  dispatchGrace: 1s
  drainBudget: 30s
  autoDrainInterval: 7s
  staleAfter: 10m
  scanPageSize: 50
  scanMaxPages: 5
  useScanRecovery: true

ai:
  provider: "mock"
  mock:
    delay: 1ms
    score: 72

storage:
  signSecret: "${SIGN_SECRET}"
  urlTtl: 5m
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	// Server assertions
	if cfg.Server.Addr != ":0" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
	if cfg.Server.PublicBaseURL != "https://grader.example.com" {
		t.Fatalf("publicBaseUrl = %q", cfg.Server.PublicBaseURL)
	}
	if cfg.Server.ReadTimeout != 1*time.Second || cfg.Server.WriteTimeout != 2*time.Second || cfg.Server.IdleTimeout != 3*time.Second {
		t.Fatalf("timeouts not parsed correctly")
	}
	if uint64(cfg.Server.MaxUploadSize) != 1024*1024 {
		t.Fatalf("maxUploadSize not parsed: %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Server.StorageDir != dir {
		t.Fatalf("storageDir = %q", cfg.Server.StorageDir)
	}
	if cfg.Server.APIKey != "key123" {
		t.Fatalf("apiKey mismatch")
	}
	if cfg.Server.LogLevel != "debug" {
		t.Fatalf("logLevel = %q", cfg.Server.LogLevel)
	}
	if !strings.HasSuffix(cfg.Server.DatabasePath, "gograder.db") {
		t.Fatalf("databasePath should default under storageDir, got %s", cfg.Server.DatabasePath)
	}

	// Grading
	if cfg.Grading.MaxFanout != 4 || cfg.Grading.DispatchGrace != time.Second || cfg.Grading.DrainBudget != 30*time.Second {
		t.Fatalf("grading dispatch settings mismatch: %+v", cfg.Grading)
	}
	if cfg.Grading.AutoDrainInterval != 7*time.Second || cfg.Grading.StaleAfter != 10*time.Minute {
		t.Fatalf("grading loop settings mismatch: %+v", cfg.Grading)
	}
	if cfg.Grading.ScanPageSize != 50 || cfg.Grading.ScanMaxPages != 5 || !cfg.Grading.UseScanRecovery {
		t.Fatalf("grading recovery settings mismatch: %+v", cfg.Grading)
	}

	// AI
	if cfg.AI.Provider != "mock" || cfg.AI.Mock.Score != 72 || cfg.AI.Mock.Delay != time.Millisecond {
		t.Fatalf("ai config mismatch: %+v", cfg.AI)
	}

	// Storage
	if cfg.Storage.SignSecret != "secret123" {
		t.Fatalf("env expansion for signSecret failed")
	}
	if cfg.Storage.URLTTL != 5*time.Minute {
		t.Fatalf("urlTtl = %v", cfg.Storage.URLTTL)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("default address = %q", cfg.Server.Addr)
	}
	if cfg.Server.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("default publicBaseUrl = %q", cfg.Server.PublicBaseURL)
	}
	if uint64(cfg.Server.MaxUploadSize) != 200*1024*1024 {
		t.Fatalf("default maxUploadSize = %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Server.ShutdownGrace != 15*time.Second || cfg.Server.LogLevel != "info" {
		t.Fatalf("server defaults mismatch: %+v", cfg.Server)
	}
	if cfg.Server.DatabasePath != filepath.Join(dir, "gograder.db") {
		t.Fatalf("default databasePath = %q", cfg.Server.DatabasePath)
	}
	if cfg.Grading.MaxFanout <= 0 || cfg.Grading.DispatchGrace != 3*time.Second || cfg.Grading.DrainBudget != 4*time.Minute {
		t.Fatalf("grading defaults mismatch: %+v", cfg.Grading)
	}
	if cfg.Grading.AutoDrainInterval != 15*time.Second {
		t.Fatalf("default autoDrainInterval = %v", cfg.Grading.AutoDrainInterval)
	}
	// the stale sweep is opt-in
	if cfg.Grading.StaleAfter != 0 {
		t.Fatalf("staleAfter should default to 0, got %v", cfg.Grading.StaleAfter)
	}
	if cfg.AI.Provider != "mock" || cfg.AI.Mock.Score != 85 {
		t.Fatalf("ai defaults mismatch: %+v", cfg.AI)
	}
	if cfg.AI.AIProxy.Retries != 3 || cfg.AI.AIProxy.RetryBackoff != 2*time.Second {
		t.Fatalf("aiproxy retry defaults mismatch: %+v", cfg.AI.AIProxy)
	}
	if cfg.Storage.URLTTL != 15*time.Minute {
		t.Fatalf("default urlTtl = %v", cfg.Storage.URLTTL)
	}
}

func TestLoad_AIProxyModelDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
ai:
  provider: "aiproxy"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	if cfg.AI.AIProxy.BaseURL != "http://localhost:8900" {
		t.Fatalf("default baseUrl = %q", cfg.AI.AIProxy.BaseURL)
	}
	if cfg.AI.AIProxy.TranscribeModel != "whisper-1" || cfg.AI.AIProxy.EvaluateModel != "gpt-5" {
		t.Fatalf("model defaults mismatch: %+v", cfg.AI.AIProxy)
	}
}

func TestLoad_PathFromEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom.yaml")

	yaml := `
server:
  apiKey: "from-env-path"
  storageDir: "` + escapeBackslashes(dir) + `"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	t.Setenv("GOGRADER_CONFIG", cfgPath)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	if cfg.Server.APIKey != "from-env-path" {
		t.Fatalf("config not loaded from GOGRADER_CONFIG path")
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
ai:
  provider: "llamafarm"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestLoad_RejectsTinyDrainBudget(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
grading:
  drainBudget: 500ms
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for sub-second drain budget")
	}
}

func escapeBackslashes(p string) string {
	// On Windows, YAML literal may require escaping backslashes
	return strings.ReplaceAll(p, `\`, `\\`)
}
