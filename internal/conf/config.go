package conf

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lk2023060901/filevault-backend/internal/auth/middleware"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/minio"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	"github.com/lk2023060901/filevault-backend/internal/storage/events"
	"github.com/lk2023060901/filevault-backend/internal/storage/media"
	uploadvalidator "github.com/lk2023060901/filevault-backend/internal/storage/validator"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FILEVAULT_DATABASE_HOST
const EnvPrefix = "FILEVAULT"

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Database    *database.Config   `mapstructure:"database" validate:"required"`
	Redis       RedisConfig        `mapstructure:"redis"`
	MinIO       *minio.Config      `mapstructure:"minio" validate:"required"`
	Log         *logger.Config     `mapstructure:"log" validate:"required"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Events      *events.Config     `mapstructure:"events" validate:"required"`
	Workers     *workerpool.Config `mapstructure:"workers" validate:"required"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Maintenance MaintenanceConfig  `mapstructure:"maintenance"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	GRPCPort        int           `mapstructure:"grpc_port" validate:"gte=0,lte=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxMultipartMemory is the part of a multipart form kept in memory
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory" validate:"gt=0"`
}

// RedisConfig enables the shared lock, event queue and rate limiter
type RedisConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	redis.Config `mapstructure:",squash"`
	Lock         lock.RedisConfig `mapstructure:"lock"`
}

type AuthConfig struct {
	JWTSecret string                       `mapstructure:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration                `mapstructure:"token_ttl"`
	RateLimit middleware.RateLimiterConfig `mapstructure:"rate_limit"`
}

type StorageConfig struct {
	Blob       *blob.Config            `mapstructure:"blob" validate:"required"`
	Validation *uploadvalidator.Config `mapstructure:"validation" validate:"required"`
	Media      *media.Config           `mapstructure:"media" validate:"required"`

	DedupEnabled bool `mapstructure:"dedup_enabled"`
	// DefaultQuotaBytes applies to new accounts; 0 means unlimited
	DefaultQuotaBytes int64 `mapstructure:"default_quota_bytes" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type MaintenanceConfig struct {
	// GCGrace protects unreferenced blobs of uploads still committing
	GCGrace        time.Duration `mapstructure:"gc_grace" validate:"gte=0"`
	TrashRetention time.Duration `mapstructure:"trash_retention" validate:"gte=0"`
}

// Default returns a configuration that runs against local Postgres with the
// filesystem blob backend
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			GRPCPort:           9090,
			Mode:               "release",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       10 * time.Minute,
			ShutdownTimeout:    15 * time.Second,
			MaxMultipartMemory: 32 << 20,
		},
		Database: database.DefaultConfig(),
		Redis: RedisConfig{
			Config: *redis.DefaultConfig(),
			Lock: lock.RedisConfig{
				TTL:        30 * time.Second,
				RetryDelay: 20 * time.Millisecond,
			},
		},
		MinIO: minio.DefaultConfig(),
		Log:   logger.DefaultConfig(),
		Auth: AuthConfig{
			TokenTTL: 15 * time.Minute,
			RateLimit: middleware.RateLimiterConfig{
				MaxRequests:   30,
				WindowSeconds: 60,
				Strategy:      middleware.StrategyUser,
			},
		},
		Storage: StorageConfig{
			Blob:         blob.DefaultConfig(),
			Validation:   uploadvalidator.DefaultConfig(),
			Media:        media.DefaultConfig(),
			DedupEnabled: true,
		},
		Events:  events.DefaultConfig(),
		Workers: workerpool.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Maintenance: MaintenanceConfig{
			GCGrace:        time.Hour,
			TrashRetention: 30 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads path (optional) over Default and applies FILEVAULT_*
// environment overrides
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	bindEnvs(v, "", reflect.TypeOf(cfg).Elem())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the per-package rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if c.Redis.Enabled {
		if err := c.Redis.Config.Validate(); err != nil {
			return fmt.Errorf("invalid redis config: %w", err)
		}
	}
	if c.Storage.Blob.Backend == "minio" {
		if err := c.MinIO.Validate(); err != nil {
			return fmt.Errorf("invalid minio config: %w", err)
		}
	}
	if c.Events.Redis && !c.Redis.Enabled {
		return errors.New("invalid config: events.redis requires redis.enabled")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	return nil
}

// bindEnvs registers every leaf key so environment variables apply even when
// the config file omits them
func bindEnvs(v *viper.Viper, prefix string, t reflect.Type) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")

		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if opts == "squash" {
			bindEnvs(v, prefix, ft)
			continue
		}
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, key, ft)
			continue
		}
		_ = v.BindEnv(key)
	}
}
