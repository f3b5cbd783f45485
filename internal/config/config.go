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

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/mediagen/internal/common"
)

// History backends.
const (
	HistorySQLite = "sqlite"
	HistoryRedis  = "redis"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	History  HistoryConfig  `yaml:"history"`
	Cache    CacheConfig    `yaml:"cache"`
	Polling  PollingConfig  `yaml:"polling"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Upload   UploadConfig   `yaml:"upload"`
	Backends BackendsConfig `yaml:"backends"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	WaitTimeout   time.Duration `yaml:"waitTimeout"`   // upper bound for "Prefer: wait" requests
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// IdentityConfig is the single user/app identity every submission is made under.
type IdentityConfig struct {
	UserID string `yaml:"userId"`
	AppID  string `yaml:"appId"`
}

// HistoryConfig selects where the job history is persisted.
type HistoryConfig struct {
	Backend      string      `yaml:"backend"`      // sqlite|redis
	DatabasePath string      `yaml:"databasePath"` // optional, default storageDir/mediagen.db
	Key          string      `yaml:"key"`          // document key, default history_items
	Redis        RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// CacheConfig locates the downloaded media cache.
type CacheConfig struct {
	Dir string `yaml:"dir"` // optional, default storageDir/media
}

// PollingConfig controls status polling cadence and its ceilings.
type PollingConfig struct {
	PhotoInterval time.Duration `yaml:"photoInterval"`
	VideoInterval time.Duration `yaml:"videoInterval"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	MaxDuration   time.Duration `yaml:"maxDuration"`
	MaxMalformed  int           `yaml:"maxMalformed"` // consecutive undecodable polls tolerated
}

// PrefetchConfig sizes the worker pool that downloads finished media.
type PrefetchConfig struct {
	Disabled bool `yaml:"disabled"`
	Workers  int  `yaml:"workers"`
	Capacity int  `yaml:"capacity"`
}

// UploadConfig controls how uploaded images are re-encoded before submission.
type UploadConfig struct {
	MaxDimension int `yaml:"maxDimension"` // longest side in pixels
	JPEGQuality  int `yaml:"jpegQuality"`  // 1..100
}

// BackendsConfig groups all generation backends.
type BackendsConfig struct {
	Photo BackendSettings `yaml:"photo"`
	Video BackendSettings `yaml:"video"`
	Mock  MockSettings    `yaml:"mock"`
}

// BackendSettings configures one remote generation backend.
type BackendSettings struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"baseUrl"`
	Token             string        `yaml:"token"` // bearer token; supports env expansion
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
	CatalogTTL        time.Duration `yaml:"catalogTTL"`
}

// MockSettings config for the in-process mock backend.
type MockSettings struct {
	Enabled   bool          `yaml:"enabled"`
	Kind      string        `yaml:"kind"`      // photo|video
	Delay     time.Duration `yaml:"delay"`     // per-call latency
	Steps     int           `yaml:"steps"`     // polls until finished
	ResultURL string        `yaml:"resultUrl"` // {ref} is replaced by the backend ref
	FailWord  string        `yaml:"failWord"`  // prompts containing this word fail
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
// Supports Ki, Mi, Gi (case-insensitive), KiB/MiB/GiB, decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)
	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
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
// If path is empty, it will attempt to read from env var MEDIAGEN_CONFIG, then default to "config.yaml".
// A .env file in the working directory or next to the config file is loaded first;
// variables already set in the environment win.
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("MEDIAGEN_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	if err := loadDotEnv(".env", filepath.Join(filepath.Dir(cleanPath), ".env")); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	return &cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
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
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.WaitTimeout == 0 {
		cfg.Server.WaitTimeout = 90 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// History defaults
	if strings.TrimSpace(cfg.History.Backend) == "" {
		cfg.History.Backend = HistorySQLite
	}
	cfg.History.Backend = strings.ToLower(strings.TrimSpace(cfg.History.Backend))
	if cfg.History.DatabasePath == "" {
		cfg.History.DatabasePath = filepath.Join(cfg.Server.StorageDir, common.DatabaseFileName)
	}
	if cfg.History.Key == "" {
		cfg.History.Key = common.DefaultHistoryKey
	}
	if cfg.History.Redis.KeyPrefix == "" {
		cfg.History.Redis.KeyPrefix = "mediagen:"
	}

	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(cfg.Server.StorageDir, common.CacheDirName)
	}

	// Polling defaults
	if cfg.Polling.PhotoInterval == 0 {
		cfg.Polling.PhotoInterval = 3 * time.Second
	}
	if cfg.Polling.VideoInterval == 0 {
		cfg.Polling.VideoInterval = 10 * time.Second
	}
	if cfg.Polling.MaxAttempts == 0 {
		cfg.Polling.MaxAttempts = 720
	}
	if cfg.Polling.MaxDuration == 0 {
		cfg.Polling.MaxDuration = 60 * time.Minute
	}
	if cfg.Polling.MaxMalformed == 0 {
		cfg.Polling.MaxMalformed = 3
	}

	if cfg.Prefetch.Workers <= 0 {
		cfg.Prefetch.Workers = common.DefaultWorkerCount
	}
	if cfg.Prefetch.Capacity <= 0 {
		cfg.Prefetch.Capacity = common.DefaultQueueCapacity
	}

	if cfg.Upload.MaxDimension <= 0 {
		cfg.Upload.MaxDimension = 2048
	}
	if cfg.Upload.JPEGQuality == 0 {
		cfg.Upload.JPEGQuality = 90
	}

	for _, b := range []*BackendSettings{&cfg.Backends.Photo, &cfg.Backends.Video} {
		b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
		if b.Timeout == 0 {
			b.Timeout = 60 * time.Second
		}
		if b.CatalogTTL == 0 {
			b.CatalogTTL = 10 * time.Minute
		}
	}

	// Mock defaults
	if cfg.Backends.Mock.Kind == "" {
		cfg.Backends.Mock.Kind = "video"
	}
	if cfg.Backends.Mock.Steps <= 0 {
		cfg.Backends.Mock.Steps = 3
	}
	if cfg.Backends.Mock.ResultURL == "" {
		cfg.Backends.Mock.ResultURL = "https://mock.invalid/media/{ref}.mp4"
	}
}

func validate(cfg *Config) error {
	b := cfg.Backends
	if !b.Photo.Enabled && !b.Video.Enabled && !b.Mock.Enabled {
		return errors.New("no backend enabled")
	}
	for name, s := range map[string]BackendSettings{common.BackendPhoto: b.Photo, common.BackendVideo: b.Video} {
		if !s.Enabled {
			continue
		}
		if s.BaseURL == "" {
			return fmt.Errorf("backends.%s.baseUrl is required", name)
		}
		if s.RequestsPerSecond < 0 {
			return fmt.Errorf("backends.%s.requestsPerSecond must not be negative", name)
		}
	}
	if (b.Photo.Enabled || b.Video.Enabled) && strings.TrimSpace(cfg.Identity.UserID) == "" {
		return errors.New("identity.userId is required")
	}
	if b.Mock.Enabled && b.Mock.Kind != "photo" && b.Mock.Kind != "video" {
		return fmt.Errorf("backends.mock.kind must be photo or video, got %q", b.Mock.Kind)
	}

	switch cfg.History.Backend {
	case HistorySQLite:
	case HistoryRedis:
		if strings.TrimSpace(cfg.History.Redis.Addr) == "" {
			return errors.New("history.redis.addr is required")
		}
	default:
		return fmt.Errorf("history.backend must be sqlite or redis, got %q", cfg.History.Backend)
	}

	if cfg.Polling.PhotoInterval < 0 || cfg.Polling.VideoInterval < 0 {
		return errors.New("polling intervals must be positive")
	}
	if cfg.Polling.MaxAttempts < 0 || cfg.Polling.MaxDuration < 0 || cfg.Polling.MaxMalformed < 0 {
		return errors.New("polling ceilings must not be negative")
	}
	if cfg.Upload.JPEGQuality < 1 || cfg.Upload.JPEGQuality > 100 {
		return fmt.Errorf("upload.jpegQuality must be within 1..100, got %d", cfg.Upload.JPEGQuality)
	}
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not supported", cfg.Server.LogLevel)
	}
	return nil
}
