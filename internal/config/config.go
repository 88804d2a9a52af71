package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/andresuchdata/logarchiver/internal/archive"
	"github.com/andresuchdata/logarchiver/internal/pipeline"
	"github.com/andresuchdata/logarchiver/internal/storage"
)

type Config struct {
	Storage    StorageConfig
	Archive    ArchiveConfig
	Log        LogConfig
	Lock       LockConfig
	History    HistoryConfig
	Schedule   ScheduleConfig
	TargetDate string
}

type StorageConfig struct {
	Backend   string
	Host      string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	LocalRoot string
}

type ArchiveConfig struct {
	Codec        string
	WorkDir      string
	FetchWorkers int
	SourceRoot   string
	DestRoot     string
	PadMonth     bool
}

type LogConfig struct {
	Level  string
	Format string
}

type LockConfig struct {
	RedisURL   string
	TTLSeconds int
}

type HistoryConfig struct {
	DatabaseURL string
}

type ScheduleConfig struct {
	Cron string
}

// Load reads .env, then the optional config file at path, then the
// environment. Environment variables win over the file; keys are the same
// in both (e.g. STORAGE_BUCKET or storage_bucket).
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return &Config{
		Storage: StorageConfig{
			Backend:   v.GetString("STORAGE_BACKEND"),
			Host:      v.GetString("STORAGE_HOST"),
			AccessKey: v.GetString("STORAGE_ACCESS_KEY"),
			SecretKey: v.GetString("STORAGE_SECRET_KEY"),
			Bucket:    v.GetString("STORAGE_BUCKET"),
			Region:    v.GetString("STORAGE_REGION"),
			UseSSL:    v.GetBool("STORAGE_USE_SSL"),
			LocalRoot: v.GetString("STORAGE_LOCAL_ROOT"),
		},
		Archive: ArchiveConfig{
			Codec:        v.GetString("ARCHIVE_CODEC"),
			WorkDir:      v.GetString("ARCHIVE_WORK_DIR"),
			FetchWorkers: v.GetInt("ARCHIVE_FETCH_WORKERS"),
			SourceRoot:   v.GetString("ARCHIVE_SOURCE_ROOT"),
			DestRoot:     v.GetString("ARCHIVE_DEST_ROOT"),
			PadMonth:     v.GetBool("ARCHIVE_PAD_MONTH"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Lock: LockConfig{
			RedisURL:   v.GetString("REDIS_URL"),
			TTLSeconds: v.GetInt("LOCK_TTL_SECONDS"),
		},
		History: HistoryConfig{
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Schedule: ScheduleConfig{
			Cron: v.GetString("SCHEDULE_CRON"),
		},
		TargetDate: v.GetString("TARGET_DATE"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORAGE_BACKEND", storage.BackendMinio)
	v.SetDefault("STORAGE_HOST", "")
	v.SetDefault("STORAGE_ACCESS_KEY", "")
	v.SetDefault("STORAGE_SECRET_KEY", "")
	v.SetDefault("STORAGE_BUCKET", "")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_USE_SSL", true)
	v.SetDefault("STORAGE_LOCAL_ROOT", "./data/objects")
	v.SetDefault("ARCHIVE_CODEC", archive.CodecTarGzip)
	v.SetDefault("ARCHIVE_WORK_DIR", "")
	v.SetDefault("ARCHIVE_FETCH_WORKERS", 4)
	v.SetDefault("ARCHIVE_SOURCE_ROOT", "incoming")
	v.SetDefault("ARCHIVE_DEST_ROOT", "archive")
	v.SetDefault("ARCHIVE_PAD_MONTH", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("LOCK_TTL_SECONDS", 3600)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SCHEDULE_CRON", "15 1 * * *")
	v.SetDefault("TARGET_DATE", "")
}

// Validate checks the settings that can be judged without connecting to
// anything. Backend connection details are checked by storage.New.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case storage.BackendMinio, storage.BackendS3, storage.BackendSevalla:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required"))
		}
	case storage.BackendLocal:
		if c.Storage.LocalRoot == "" {
			errs = append(errs, errors.New("STORAGE_LOCAL_ROOT is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND %q is not one of minio, s3, sevalla, local", c.Storage.Backend))
	}

	if _, err := archive.LookupCodec(c.Archive.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Archive.FetchWorkers < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_FETCH_WORKERS must be at least 1, got %d", c.Archive.FetchWorkers))
	}
	if c.Archive.SourceRoot == "" || c.Archive.DestRoot == "" {
		errs = append(errs, errors.New("ARCHIVE_SOURCE_ROOT and ARCHIVE_DEST_ROOT must not be empty"))
	}
	if c.TargetDate != "" {
		if _, err := pipeline.ParseDate(c.TargetDate); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Lock.RedisURL != "" && c.Lock.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TTL_SECONDS must be positive, got %d", c.Lock.TTLSeconds))
	}

	return errors.Join(errs...)
}

// StorageOptions converts the storage section for storage.New.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Backend:   strings.ToLower(strings.TrimSpace(c.Storage.Backend)),
		Endpoint:  c.Storage.Host,
		AccessKey: c.Storage.AccessKey,
		SecretKey: c.Storage.SecretKey,
		Bucket:    c.Storage.Bucket,
		Region:    c.Storage.Region,
		UseSSL:    c.Storage.UseSSL,
		LocalRoot: c.Storage.LocalRoot,
	}
}

// PipelineOptions converts the archive section for pipeline.New.
func (c *Config) PipelineOptions() pipeline.Config {
	return pipeline.Config{
		SourceRoot:   c.Archive.SourceRoot,
		DestRoot:     c.Archive.DestRoot,
		PadMonth:     c.Archive.PadMonth,
		WorkDir:      c.Archive.WorkDir,
		FetchWorkers: c.Archive.FetchWorkers,
	}
}

// LockTTL is the Redis lock expiry.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// Date resolves the date to archive: TargetDate when set, otherwise the day
// before now.
func (c *Config) Date(now time.Time) (time.Time, error) {
	if c.TargetDate == "" {
		return pipeline.Yesterday(now), nil
	}
	return pipeline.ParseDate(c.TargetDate)
}
