package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/gograder/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Grading GradingConfig `yaml:"grading"`
	AI      AIConfig      `yaml:"ai"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	PublicBaseURL string        `yaml:"publicBaseUrl"` // base URL used when issuing presigned links
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`       // optional static API key header (X-API-Key)
	DatabasePath  string        `yaml:"databasePath"` // optional, overrides default storage_dir/gograder.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	LogLevel      string        `yaml:"logLevel"` // debug|info|warn|error
}

// GradingConfig tunes the dispatcher, drain loop and reconciler.
type GradingConfig struct {
	MaxFanout         int           `yaml:"maxFanout"`         // upper bound on concurrent dispatches per trigger
	DispatchGrace     time.Duration `yaml:"dispatchGrace"`     // how long trigger waits before returning optimistically
	DrainBudget       time.Duration `yaml:"drainBudget"`       // wall-clock budget for one drain loop
	AutoDrainInterval time.Duration `yaml:"autoDrainInterval"` // background drain tick; negative disables it
	StaleAfter        time.Duration `yaml:"staleAfter"`        // 0 disables the stale in-flight sweep
	ScanPageSize      int           `yaml:"scanPageSize"`      // page size for keyspace-scan recovery
	ScanMaxPages      int           `yaml:"scanMaxPages"`      // bound on pages per recovery pass
	UseScanRecovery   bool          `yaml:"useScanRecovery"`   // degraded-mode fallback instead of the batch index
}

// AIConfig selects provider and provider-specific options.
type AIConfig struct {
	Provider string          `yaml:"provider"` // "mock" or "aiproxy"
	Mock     MockSettings    `yaml:"mock"`
	AIProxy  AIProxySettings `yaml:"aiproxy"`
}

// MockSettings config for the mock transcription/grading collaborators.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
	Score float64       `yaml:"score"` // overall score the mock evaluator reports
}

// AIProxySettings config for the AI Proxy (OpenAI-compatible) collaborators.
type AIProxySettings struct {
	BaseURL         string        `yaml:"baseUrl"` // e.g. http://localhost:8900
	APIKey          string        `yaml:"apiKey"`  // optional
	TranscribeModel string        `yaml:"transcribeModel"`
	EvaluateModel   string        `yaml:"evaluateModel"`
	SystemPrompt    string        `yaml:"systemPrompt"` // optional system message override for grading
	Temperature     float32       `yaml:"temperature"`  // optional
	MaxTokens       int           `yaml:"maxTokens"`    // optional
	Retries         int           `yaml:"retries"`      // attempts per collaborator call
	RetryBackoff    time.Duration `yaml:"retryBackoff"` // base backoff between attempts
}

// StorageConfig covers the presigned media store.
type StorageConfig struct {
	SignSecret string        `yaml:"signSecret"` // HMAC secret for presigned URLs; supports env expansion
	URLTTL     time.Duration `yaml:"urlTtl"`     // validity window of issued URLs
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var GOGRADER_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("GOGRADER_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "gograder.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = "http://localhost:8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(200 * 1024 * 1024) // 200 MiB default, media files are large
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Grading defaults
	if cfg.Grading.MaxFanout <= 0 {
		cfg.Grading.MaxFanout = common.DefaultMaxFanout
	}
	if cfg.Grading.DispatchGrace == 0 {
		cfg.Grading.DispatchGrace = 3 * time.Second
	}
	if cfg.Grading.DrainBudget == 0 {
		cfg.Grading.DrainBudget = 4 * time.Minute
	}
	if cfg.Grading.AutoDrainInterval == 0 {
		cfg.Grading.AutoDrainInterval = 15 * time.Second
	}
	if cfg.Grading.ScanPageSize <= 0 {
		cfg.Grading.ScanPageSize = common.DefaultScanPageSize
	}
	if cfg.Grading.ScanMaxPages <= 0 {
		cfg.Grading.ScanMaxPages = common.DefaultScanMaxPages
	}
	// StaleAfter deliberately defaults to 0: stuck in-flight submissions are
	// only resolved by explicit regrade unless the sweep is opted into.

	// AI defaults
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "mock"
	}
	if cfg.AI.Mock.Delay == 0 {
		cfg.AI.Mock.Delay = 50 * time.Millisecond
	}
	if cfg.AI.Mock.Score == 0 {
		cfg.AI.Mock.Score = 85
	}
	if strings.EqualFold(cfg.AI.Provider, "aiproxy") {
		if strings.TrimSpace(cfg.AI.AIProxy.BaseURL) == "" {
			cfg.AI.AIProxy.BaseURL = "http://localhost:8900"
		}
		if strings.TrimSpace(cfg.AI.AIProxy.TranscribeModel) == "" {
			cfg.AI.AIProxy.TranscribeModel = "whisper-1"
		}
		if strings.TrimSpace(cfg.AI.AIProxy.EvaluateModel) == "" {
			cfg.AI.AIProxy.EvaluateModel = "gpt-5"
		}
	}
	if cfg.AI.AIProxy.Retries <= 0 {
		cfg.AI.AIProxy.Retries = 3
	}
	if cfg.AI.AIProxy.RetryBackoff == 0 {
		cfg.AI.AIProxy.RetryBackoff = 2 * time.Second
	}

	// Storage defaults
	if cfg.Storage.URLTTL == 0 {
		cfg.Storage.URLTTL = 15 * time.Minute
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.AI.Provider)) {
	case "mock", "aiproxy":
	default:
		return fmt.Errorf("unsupported ai provider %q", cfg.AI.Provider)
	}
	if cfg.Grading.DispatchGrace < 0 || cfg.Grading.DrainBudget < 0 {
		return errors.New("grading durations must not be negative")
	}
	if cfg.Grading.DrainBudget > 0 && cfg.Grading.DrainBudget < time.Second {
		return errors.New("grading.drainBudget below one second leaves no room to process anything")
	}
	return nil
}
