package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool          `yaml:"send"`
	APIKey        string        `yaml:"api_key"`
	OrgID         string        `yaml:"org_id"`
	Dataset       string        `yaml:"dataset"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// StoreConfig selects the record store: memory, sqlite or redis.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	// DSN is a sqlite path or a redis URL.
	DSN string `yaml:"dsn"`
}

// StorageConfig selects where uploaded PDFs and extracted text live.
type StorageConfig struct {
	Kind               string        `yaml:"kind"`
	Dir                string        `yaml:"dir"`
	S3Bucket           string        `yaml:"s3_bucket"`
	S3Prefix           string        `yaml:"s3_prefix"`
	S3Region           string        `yaml:"s3_region"`
	S3Endpoint         string        `yaml:"s3_endpoint"`
	S3AccessKey        string        `yaml:"s3_access_key"`
	S3SecretKey        string        `yaml:"s3_secret_key"`
	EncryptionPassword string        `yaml:"encryption_password"`
	SaveText           bool          `yaml:"save_text"`
	RetainFor          time.Duration `yaml:"retain_for"`
}

// ExtractionConfig covers the text layer, OCR fallback and review thresholds.
type ExtractionConfig struct {
	TextBackend     string        `yaml:"text_backend"`
	MinPageChars    int           `yaml:"min_page_chars"`
	MaxSparseRatio  float64       `yaml:"max_sparse_ratio"`
	OCREngine       string        `yaml:"ocr_engine"` // tesseract|vision|none
	OCRBinary       string        `yaml:"ocr_binary"`
	OCRLang         string        `yaml:"ocr_lang"`
	OCRDPI          int           `yaml:"ocr_dpi"`
	OCRPageTimeout  time.Duration `yaml:"ocr_page_timeout"`
	OCRVisionModel  string        `yaml:"ocr_vision_model"`
	ReviewThreshold float64       `yaml:"review_threshold"`

	// ConvertOffice enables LibreOffice conversion of word-processing uploads.
	ConvertOffice  bool          `yaml:"convert_office"`
	SofficeBinary  string        `yaml:"soffice_binary"`
	ConvertTimeout time.Duration `yaml:"convert_timeout"`
}

// InferenceConfig points at the hosted model.
type InferenceConfig struct {
	Provider      string        `yaml:"provider"` // openai|anthropic
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxInputChars int           `yaml:"max_input_chars"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"temperature"`
	MaxInflight   int           `yaml:"max_inflight"`
	BreakerBase   time.Duration `yaml:"breaker_base_backoff"`
	BreakerMax    time.Duration `yaml:"breaker_max_backoff"`
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	Async       bool          `yaml:"async"`
	RedisURL    string        `yaml:"redis_url"`
	Stream      string        `yaml:"stream"`
	Group       string        `yaml:"group"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// SMTPConfig is used by POST /calendar/email.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	From     string `yaml:"from"`
}

type CalendarConfig struct {
	Name         string `yaml:"name"`
	ReminderDays int    `yaml:"reminder_days"`
}

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Axiom      AxiomConfig      `yaml:"axiom"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Inference  InferenceConfig  `yaml:"inference"`
	Worker     WorkerConfig     `yaml:"worker"`
	Queue      QueueConfig      `yaml:"queue"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Calendar   CalendarConfig   `yaml:"calendar"`
}

// Load reads .env (if present), the environment, and then the YAML file named
// by CONFIG_FILE, whose keys override the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := FromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := ApplyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// ApplyFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current values.
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/renewalcal.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_renewalcal",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Server = ServerConfig{
		Port:        getEnv("PORT", "8080"),
		MaxUploadMB: parseInt(getEnv("MAX_UPLOAD_MB", "64"), 64),
	}

	cfg.Store = StoreConfig{
		Kind: getEnv("STORE_KIND", "sqlite"),
		DSN:  getEnv("STORE_DSN", "data/contracts.db"),
	}

	cfg.Storage = StorageConfig{
		Kind:               getEnv("STORAGE_KIND", "local"),
		Dir:                getEnv("UPLOAD_DIR", "uploads"),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Prefix:           getEnv("S3_PREFIX", "contracts"),
		S3Region:           getEnv("AWS_REGION", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3AccessKey:        getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:        getEnv("AWS_SECRET_ACCESS_KEY", ""),
		EncryptionPassword: getEnv("ENCRYPTION_PASSWORD", ""),
		SaveText:           parseBool(getEnv("SAVE_TEXT", "true")),
		RetainFor:          parseDuration(getEnv("UPLOAD_RETENTION", ""), 0),
	}

	cfg.Extraction = ExtractionConfig{
		TextBackend:     getEnv("TEXT_BACKEND", "fitz"),
		MinPageChars:    parseInt(getEnv("MIN_PAGE_CHARS", "20"), 20),
		MaxSparseRatio:  parseFloat(getEnv("MAX_SPARSE_RATIO", "0.5"), 0.5),
		OCREngine:       getEnv("OCR_ENGINE", "tesseract"),
		OCRBinary:       getEnv("TESSERACT_BIN", "tesseract"),
		OCRLang:         getEnv("OCR_LANG", "eng"),
		OCRDPI:          parseInt(getEnv("OCR_DPI", "300"), 300),
		OCRPageTimeout:  parseDuration(getEnv("OCR_PAGE_TIMEOUT", "60s"), 60*time.Second),
		OCRVisionModel:  getEnv("OCR_VISION_MODEL", ""),
		ReviewThreshold: parseFloat(getEnv("REVIEW_THRESHOLD", "0.6"), 0.6),
		ConvertOffice:   parseBool(getEnv("CONVERT_OFFICE", "false")),
		SofficeBinary:   getEnv("SOFFICE_BIN", "soffice"),
		ConvertTimeout:  parseDuration(getEnv("CONVERT_TIMEOUT", "180s"), 180*time.Second),
	}

	provider := strings.ToLower(getEnv("INFERENCE_PROVIDER", "openai"))
	keyVar := "OPENAI_API_KEY"
	if provider == "anthropic" {
		keyVar = "ANTHROPIC_API_KEY"
	}
	cfg.Inference = InferenceConfig{
		Provider:      provider,
		BaseURL:       getEnv("INFERENCE_BASE_URL", ""),
		APIKey:        getEnv("INFERENCE_API_KEY", os.Getenv(keyVar)),
		Model:         getEnv("INFERENCE_MODEL", "gpt-4o-mini"),
		Timeout:       parseDuration(getEnv("INFERENCE_TIMEOUT", "30s"), 30*time.Second),
		MaxInputChars: parseInt(getEnv("INFERENCE_MAX_INPUT_CHARS", "12000"), 12000),
		MaxTokens:     parseInt(getEnv("INFERENCE_MAX_TOKENS", "800"), 800),
		Temperature:   parseFloat(getEnv("INFERENCE_TEMPERATURE", "0"), 0),
		MaxInflight:   parseInt(getEnv("MAX_INFLIGHT_PER_MODEL", "4"), 4),
		BreakerBase:   parseDuration(getEnv("BREAKER_BASE_BACKOFF", "2s"), 2*time.Second),
		BreakerMax:    parseDuration(getEnv("BREAKER_MAX_BACKOFF", "20s"), 20*time.Second),
	}

	cfg.Worker = WorkerConfig{
		Concurrency: parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		RunTimeout:  parseDuration(getEnv("RUN_TIMEOUT", "5m"), 5*time.Minute),
	}

	cfg.Queue = QueueConfig{
		Async:       parseBool(getEnv("INGEST_ASYNC", "false")),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:      getEnv("QUEUE_STREAM", "jobs:contracts"),
		Group:       getEnv("QUEUE_GROUP", "workers:contracts"),
		PollTimeout: parseDuration(getEnv("QUEUE_POLL_TIMEOUT", "2s"), 2*time.Second),
	}

	cfg.SMTP = SMTPConfig{
		Host:     getEnv("SMTP_HOST", ""),
		Port:     parseInt(getEnv("SMTP_PORT", "587"), 587),
		User:     getEnv("SMTP_USER", ""),
		Password: getEnv("SMTP_PASS", ""),
		TLS:      parseBool(getEnv("SMTP_TLS", "true")),
		From:     getEnv("SMTP_FROM", ""),
	}

	cfg.Calendar = CalendarConfig{
		Name:         getEnv("CALENDAR_NAME", "BRM Contract Renewals"),
		ReminderDays: parseInt(getEnv("CALENDAR_REMINDER_DAYS", "0"), 0),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
