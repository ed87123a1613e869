package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Broker    BrokerConfig
	Datastore DatastoreConfig
	Poller    PollerConfig
	Recording RecordingConfig
	Storage   StorageConfig
	Worker    WorkerConfig
	Detector  DetectorConfig
	HTTP      HTTPConfig
	Log       LogConfig
}

type BrokerConfig struct {
	DatabaseURL   string
	AppName       string
	AppVersion    string
	LedgerEnabled bool
}

type DatastoreConfig struct {
	DSN string
}

type PollerConfig struct {
	Interval           time.Duration
	CaptureTimeout     time.Duration
	CaptureConcurrency int
	JPEGQuality        int
}

type RecordingConfig struct {
	Enabled  bool
	Duration time.Duration
	Grace    time.Duration
}

type StorageConfig struct {
	ImageRoot string
	VideoRoot string
}

type WorkerConfig struct {
	Concurrency  int
	TaskTimeout  time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

type DetectorConfig struct {
	ModelPath           string
	RuntimeLibraryPath  string
	ConfidenceThreshold float64
	PlateReaderURL      string
}

type HTTPConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Broker: BrokerConfig{
			DatabaseURL:   v.GetString("BROKER_DATABASE_URL"),
			AppName:       v.GetString("APP_NAME"),
			AppVersion:    v.GetString("APP_VERSION"),
			LedgerEnabled: v.GetBool("LEDGER_ENABLED"),
		},
		Datastore: DatastoreConfig{
			DSN: v.GetString("DATABASE_URL"),
		},
		Poller: PollerConfig{
			Interval:           time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
			CaptureTimeout:     time.Duration(v.GetInt("CAPTURE_TIMEOUT_SECONDS")) * time.Second,
			CaptureConcurrency: v.GetInt("CAPTURE_CONCURRENCY"),
			JPEGQuality:        v.GetInt("JPEG_QUALITY"),
		},
		Recording: RecordingConfig{
			Enabled:  v.GetBool("RECORDING_ENABLED"),
			Duration: time.Duration(v.GetInt("RECORDING_DURATION_SECONDS")) * time.Second,
			Grace:    time.Duration(v.GetInt("RECORDING_GRACE_SECONDS")) * time.Second,
		},
		Storage: StorageConfig{
			ImageRoot: v.GetString("IMAGE_ROOT"),
			VideoRoot: v.GetString("VIDEO_ROOT"),
		},
		Worker: WorkerConfig{
			Concurrency:  v.GetInt("WORKER_CONCURRENCY"),
			TaskTimeout:  time.Duration(v.GetInt("TASK_TIMEOUT_SECONDS")) * time.Second,
			MaxAttempts:  v.GetInt("MAX_DELIVERY_ATTEMPTS"),
			RetryBackoff: time.Duration(v.GetInt("RETRY_BACKOFF_MILLIS")) * time.Millisecond,
		},
		Detector: DetectorConfig{
			ModelPath:           v.GetString("DETECTOR_MODEL_PATH"),
			RuntimeLibraryPath:  v.GetString("ONNXRUNTIME_LIBRARY_PATH"),
			ConfidenceThreshold: v.GetFloat64("DETECTOR_CONFIDENCE_THRESHOLD"),
			PlateReaderURL:      v.GetString("PLATE_READER_URL"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("HTTP_ADDR"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "toll-frame-pipeline")
	v.SetDefault("APP_VERSION", "1")
	v.SetDefault("LEDGER_ENABLED", true)
	v.SetDefault("POLL_INTERVAL_SECONDS", 2)
	v.SetDefault("CAPTURE_TIMEOUT_SECONDS", 5)
	v.SetDefault("CAPTURE_CONCURRENCY", 8)
	v.SetDefault("JPEG_QUALITY", 90)
	v.SetDefault("RECORDING_ENABLED", true)
	v.SetDefault("RECORDING_DURATION_SECONDS", 10)
	v.SetDefault("RECORDING_GRACE_SECONDS", 15)
	v.SetDefault("IMAGE_ROOT", "/shared/images")
	v.SetDefault("VIDEO_ROOT", "/shared/videos")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("TASK_TIMEOUT_SECONDS", 60)
	v.SetDefault("MAX_DELIVERY_ATTEMPTS", 5)
	v.SetDefault("RETRY_BACKOFF_MILLIS", 500)
	v.SetDefault("DETECTOR_CONFIDENCE_THRESHOLD", 0.25)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Validate reports the first setting that cannot be used
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, key, msg string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s %s", key, msg))
		}
	}

	check(c.Poller.Interval > 0, "POLL_INTERVAL_SECONDS", "must be positive")
	check(c.Poller.CaptureTimeout > 0, "CAPTURE_TIMEOUT_SECONDS", "must be positive")
	check(c.Poller.CaptureConcurrency > 0, "CAPTURE_CONCURRENCY", "must be positive")
	check(c.Poller.JPEGQuality >= 1 && c.Poller.JPEGQuality <= 100, "JPEG_QUALITY", "must be between 1 and 100")
	check(c.Recording.Duration > 0, "RECORDING_DURATION_SECONDS", "must be positive")
	check(c.Recording.Grace >= 0, "RECORDING_GRACE_SECONDS", "must not be negative")
	check(c.Storage.ImageRoot != "", "IMAGE_ROOT", "is required")
	check(c.Storage.VideoRoot != "", "VIDEO_ROOT", "is required")
	check(c.Worker.Concurrency > 0, "WORKER_CONCURRENCY", "must be positive")
	check(c.Worker.TaskTimeout > 0, "TASK_TIMEOUT_SECONDS", "must be positive")
	check(c.Worker.MaxAttempts > 0, "MAX_DELIVERY_ATTEMPTS", "must be positive")
	check(c.Worker.RetryBackoff >= 0, "RETRY_BACKOFF_MILLIS", "must not be negative")
	check(c.Detector.ConfidenceThreshold >= 0 && c.Detector.ConfidenceThreshold <= 1, "DETECTOR_CONFIDENCE_THRESHOLD", "must be between 0 and 1")
	check(c.Log.Format == "json" || c.Log.Format == "console", "LOG_FORMAT", "must be json or console")

	return errors.Join(errs...)
}
