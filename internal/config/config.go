// Package config loads process settings: built-in defaults, then an optional
// YAML file, then the environment (with .env support).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreFile      = "file"
	StoreMemory    = "memory"
	StorePostgrest = "postgrest"
	StoreMongo     = "mongo"

	BlobsLocal    = "local"
	BlobsSupabase = "supabase"
	BlobsGCS      = "gcs"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Store    StoreConfig    `yaml:"store"`
	Blobs    BlobConfig     `yaml:"blobs"`
	Supabase SupabaseConfig `yaml:"supabase"`
	AI       AIConfig       `yaml:"ai"`
	Queue    QueueConfig    `yaml:"queue"`
	Media    MediaConfig    `yaml:"media"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr is the listen address for the ops server.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Dir holds the file store's documents; empty means <blobs.local_dir>/records.
	Dir           string `yaml:"dir"`
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`
}

type BlobConfig struct {
	Backend        string `yaml:"backend"`
	LocalDir       string `yaml:"local_dir"`
	Bucket         string `yaml:"bucket"`
	GCSCredentials string `yaml:"gcs_credentials"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type AIConfig struct {
	APIKey       string        `yaml:"api_key"`
	Models       []string      `yaml:"models"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	Backoff      time.Duration `yaml:"backoff"`
}

// QueueConfig selects between the in-process pool (RedisURL empty) and a
// Redis-backed queue shared by several processes.
type QueueConfig struct {
	RedisURL string `yaml:"redis_url"`
	Name     string `yaml:"name"`
	Workers  int    `yaml:"workers"`
	Size     int    `yaml:"size"`
}

type MediaConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	FontsDir     string        `yaml:"fonts_dir"`
	LogoPath     string        `yaml:"logo_path"`
}

type PipelineConfig struct {
	WorkDir          string        `yaml:"work_dir"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
	PresignTTL       time.Duration `yaml:"presign_ttl"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	RetentionDays    int           `yaml:"retention_days"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
	WatchdogEvery    time.Duration `yaml:"watchdog_every"`
	SweepEvery       time.Duration `yaml:"sweep_every"`
}

// Retention converts RetentionDays to a duration.
func (p PipelineConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		HTTP:  HTTPConfig{Host: "0.0.0.0", Port: 8080},
		Store: StoreConfig{Backend: StoreFile, MongoDatabase: "news_video_processor"},
		Blobs: BlobConfig{Backend: BlobsLocal, LocalDir: "data", Bucket: "videos"},
		AI: AIConfig{
			Models:       []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-flash-8b"},
			PollInterval: 5 * time.Second,
			PollTimeout:  120 * time.Second,
			Backoff:      2 * time.Second,
		},
		Queue: QueueConfig{Name: "newsreel:stages", Workers: 2, Size: 100},
		Media: MediaConfig{ProbeTimeout: 30 * time.Second, FontsDir: "fonts", LogoPath: "assets/logo.png"},
		Pipeline: PipelineConfig{
			MaxUploadBytes:   500 * 1024 * 1024,
			PresignTTL:       time.Hour,
			StaleAfter:       30 * time.Minute,
			RetentionDays:    7,
			SweepConcurrency: 4,
			WatchdogEvery:    5 * time.Minute,
			SweepEvery:       6 * time.Hour,
		},
	}
}

// Load builds the configuration. path may be empty; a .env file in the
// working directory is read when present and never overrides real env vars.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("LOG_LEVEL", &c.Log.Level)
	envString("HOST", &c.HTTP.Host)
	envString("STORE_BACKEND", &c.Store.Backend)
	envString("RECORDS_DIR", &c.Store.Dir)
	envString("MONGODB_URL", &c.Store.MongoURL)
	envString("DATABASE_NAME", &c.Store.MongoDatabase)
	envString("BLOB_BACKEND", &c.Blobs.Backend)
	envString("UPLOAD_DIR", &c.Blobs.LocalDir)
	envString("STORAGE_BUCKET", &c.Blobs.Bucket)
	envString("GCS_CREDENTIALS", &c.Blobs.GCSCredentials)
	envString("SUPABASE_URL", &c.Supabase.URL)
	envString("SUPABASE_SERVICE_KEY", &c.Supabase.ServiceKey)
	envString("GEMINI_API_KEY", &c.AI.APIKey)
	envString("REDIS_URL", &c.Queue.RedisURL)
	envString("QUEUE_NAME", &c.Queue.Name)
	envString("WORK_DIR", &c.Pipeline.WorkDir)
	envString("FONTS_DIR", &c.Media.FontsDir)
	envString("LOGO_PATH", &c.Media.LogoPath)
	if v := os.Getenv("GEMINI_MODELS"); v != "" {
		c.AI.Models = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.HTTP.Port},
		{"WORKERS", &c.Queue.Workers},
		{"QUEUE_SIZE", &c.Queue.Size},
		{"RETENTION_DAYS", &c.Pipeline.RetentionDays},
	}
	for _, e := range ints {
		if err := envInt(e.key, e.dst); err != nil {
			return err
		}
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		c.Pipeline.MaxUploadBytes = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AI_POLL_INTERVAL", &c.AI.PollInterval},
		{"AI_POLL_TIMEOUT", &c.AI.PollTimeout},
		{"AI_BACKOFF", &c.AI.Backoff},
		{"PROBE_TIMEOUT", &c.Media.ProbeTimeout},
		{"PRESIGN_TTL", &c.Pipeline.PresignTTL},
		{"STALE_AFTER", &c.Pipeline.StaleAfter},
		{"WATCHDOG_EVERY", &c.Pipeline.WatchdogEvery},
		{"SWEEP_EVERY", &c.Pipeline.SweepEvery},
	}
	for _, e := range durations {
		if err := envDuration(e.key, e.dst); err != nil {
			return err
		}
	}
	return nil
}

// RecordsDir is where the file store keeps its documents.
func (c *Config) RecordsDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	if c.Blobs.LocalDir == "" {
		return ""
	}
	return filepath.Join(c.Blobs.LocalDir, "records")
}

// Validate checks backend names and the credentials each backend needs.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile:
		if c.RecordsDir() == "" {
			return fmt.Errorf("store %q needs RECORDS_DIR or UPLOAD_DIR", c.Store.Backend)
		}
	case StorePostgrest:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("store %q needs SUPABASE_URL and SUPABASE_SERVICE_KEY", c.Store.Backend)
		}
	case StoreMongo:
		if c.Store.MongoURL == "" {
			return fmt.Errorf("store %q needs MONGODB_URL", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Blobs.Backend {
	case BlobsLocal:
		if c.Blobs.LocalDir == "" {
			return fmt.Errorf("blob backend %q needs UPLOAD_DIR", c.Blobs.Backend)
		}
	case BlobsSupabase:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" || c.Blobs.Bucket == "" {
			return fmt.Errorf("blob backend %q needs SUPABASE_URL, SUPABASE_SERVICE_KEY and STORAGE_BUCKET", c.Blobs.Backend)
		}
	case BlobsGCS:
		if c.Blobs.Bucket == "" {
			return fmt.Errorf("blob backend %q needs STORAGE_BUCKET", c.Blobs.Backend)
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blobs.Backend)
	}

	if c.Queue.Workers <= 0 || c.Queue.Size <= 0 {
		return fmt.Errorf("queue workers and size must be positive")
	}
	if c.Pipeline.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
