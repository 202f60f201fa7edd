package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	OCR      OCRConfig      `yaml:"ocr"`
	AI       AIConfig       `yaml:"ai"`
	Storage  StorageConfig  `yaml:"storage"`
	Bus      BusConfig      `yaml:"bus"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Upload   UploadConfig   `yaml:"upload"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds database-related configuration.
// A postgres:// DSN selects PostgreSQL, anything else is a SQLite path.
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Backend         string  `yaml:"backend"` // tesseract | vision
	LocalThreshold  float32 `yaml:"local_threshold"`
	Tesseract       string  `yaml:"tesseract"`
	Pdftoppm        string  `yaml:"pdftoppm"`
	Lang            string  `yaml:"lang"`
	DPI             int     `yaml:"dpi"`
	MaxPages        int     `yaml:"max_pages"`
	TessdataDir     string  `yaml:"tessdata_dir"`
	CredentialsFile string  `yaml:"credentials_file"`
}

// AIConfig holds configuration of the analysis backend
type AIConfig struct {
	Provider      string        `yaml:"provider"` // openai | vertex | offline
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Temperature   float32       `yaml:"temperature"`
	Timeout       time.Duration `yaml:"timeout"`
	VertexProject string        `yaml:"vertex_project"`
	VertexRegion  string        `yaml:"vertex_region"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // local | gcs
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
}

// BusConfig tunes the event bus spool and its retry policy.
type BusConfig struct {
	Path         string        `yaml:"path"`
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
}

type PipelineConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	AutoAnalyze    bool          `yaml:"auto_analyze"`
}

type UploadConfig struct {
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	MaxFiles     int   `yaml:"max_files"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns the built-in defaults before file and env overrides.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             "./data/invoice-pipeline.db",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			GRPCAddr:        ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		OCR: OCRConfig{
			Backend:        "tesseract",
			LocalThreshold: 0.7,
			Tesseract:      "tesseract",
			Pdftoppm:       "pdftoppm",
			Lang:           "eng",
			DPI:            300,
		},
		AI: AIConfig{
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			Timeout:      45 * time.Second,
			VertexRegion: "us-central1",
		},
		Storage: StorageConfig{
			Backend: "local",
			Dir:     "./data/documents",
		},
		Bus: BusConfig{
			Path:         "./data/bus.db",
			Visibility:   5 * time.Minute,
			PollInterval: 500 * time.Millisecond,
			MaxRetries:   3,
			BackoffBase:  2 * time.Second,
			BackoffMax:   time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:        8,
			QueueSize:      256,
			ProcessTimeout: 3 * time.Minute,
			MaxRetries:     3,
			AutoAnalyze:    true,
		},
		Upload: UploadConfig{
			MaxFileBytes: 20 << 20,
			MaxFiles:     100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads defaults, then the YAML file named by CONFIG_FILE (if any),
// then environment variables, each layer overriding the previous one.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("read %s", path), err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("parse %s", path), err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.OCR.Backend = getEnv("OCR_BACKEND", c.OCR.Backend)
	c.OCR.LocalThreshold = getEnvAsFloat32("OCR_LOCAL_THRESHOLD", c.OCR.LocalThreshold)
	c.OCR.Tesseract = getEnv("TESSERACT_BIN", c.OCR.Tesseract)
	c.OCR.Pdftoppm = getEnv("PDFTOPPM_BIN", c.OCR.Pdftoppm)
	c.OCR.Lang = getEnv("OCR_LANG", c.OCR.Lang)
	c.OCR.DPI = getEnvAsInt("OCR_DPI", c.OCR.DPI)
	c.OCR.MaxPages = getEnvAsInt("OCR_MAX_PAGES", c.OCR.MaxPages)
	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", c.OCR.CredentialsFile)

	c.AI.Provider = getEnv("AI_PROVIDER", c.AI.Provider)
	c.AI.Model = getEnv("AI_MODEL", c.AI.Model)
	c.AI.APIKey = getEnv("OPENAI_API_KEY", c.AI.APIKey)
	c.AI.BaseURL = getEnv("OPENAI_BASE_URL", c.AI.BaseURL)
	c.AI.Temperature = getEnvAsFloat32("AI_TEMPERATURE", c.AI.Temperature)
	c.AI.Timeout = getEnvAsDuration("AI_TIMEOUT", c.AI.Timeout)
	c.AI.VertexProject = getEnv("VERTEX_PROJECT", c.AI.VertexProject)
	c.AI.VertexRegion = getEnv("VERTEX_REGION", c.AI.VertexRegion)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnv("STORAGE_DIR", c.Storage.Dir)
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", c.Storage.Bucket)

	c.Bus.Path = getEnv("BUS_PATH", c.Bus.Path)
	c.Bus.Visibility = getEnvAsDuration("BUS_VISIBILITY", c.Bus.Visibility)
	c.Bus.PollInterval = getEnvAsDuration("BUS_POLL_INTERVAL", c.Bus.PollInterval)
	c.Bus.MaxRetries = getEnvAsInt("BUS_MAX_RETRIES", c.Bus.MaxRetries)
	c.Bus.BackoffBase = getEnvAsDuration("BUS_BACKOFF_BASE", c.Bus.BackoffBase)
	c.Bus.BackoffMax = getEnvAsDuration("BUS_BACKOFF_MAX", c.Bus.BackoffMax)

	c.Pipeline.Workers = getEnvAsInt("PIPELINE_WORKERS", c.Pipeline.Workers)
	c.Pipeline.QueueSize = getEnvAsInt("PIPELINE_QUEUE_SIZE", c.Pipeline.QueueSize)
	c.Pipeline.ProcessTimeout = getEnvAsDuration("PIPELINE_PROCESS_TIMEOUT", c.Pipeline.ProcessTimeout)
	c.Pipeline.MaxRetries = getEnvAsInt("PIPELINE_MAX_RETRIES", c.Pipeline.MaxRetries)
	c.Pipeline.AutoAnalyze = getEnvAsBool("PIPELINE_AUTO_ANALYZE", c.Pipeline.AutoAnalyze)

	c.Upload.MaxFileBytes = getEnvAsInt64("UPLOAD_MAX_FILE_BYTES", c.Upload.MaxFileBytes)
	c.Upload.MaxFiles = getEnvAsInt("UPLOAD_MAX_FILES", c.Upload.MaxFiles)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// IsPostgres reports whether the database DSN points at PostgreSQL.
func (c DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://")
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.OCR.LocalThreshold < 0 || c.OCR.LocalThreshold > 1 {
		return NewAppError("CONFIG_ERROR", "OCR_LOCAL_THRESHOLD must be within [0,1]", ErrInvalidInput)
	}
	switch c.OCR.Backend {
	case "tesseract", "vision":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown OCR_BACKEND %q", c.OCR.Backend), ErrInvalidInput)
	}
	switch c.AI.Provider {
	case "openai":
		if c.AI.APIKey == "" {
			return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
		}
	case "vertex":
		if c.AI.VertexProject == "" {
			return NewAppError("CONFIG_ERROR", "VERTEX_PROJECT is required", ErrInvalidInput)
		}
	case "offline":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown AI_PROVIDER %q", c.AI.Provider), ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			return NewAppError("CONFIG_ERROR", "STORAGE_DIR is required", ErrInvalidInput)
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return NewAppError("CONFIG_ERROR", "STORAGE_BUCKET is required", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown STORAGE_BACKEND %q", c.Storage.Backend), ErrInvalidInput)
	}
	if c.Pipeline.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_WORKERS must be positive", ErrInvalidInput)
	}
	if c.Pipeline.MaxRetries < 0 || c.Bus.MaxRetries < 0 {
		return NewAppError("CONFIG_ERROR", "retry limits must not be negative", ErrInvalidInput)
	}
	return nil
}
