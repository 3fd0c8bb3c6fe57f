package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

const developmentTileURL = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type FetchConfig struct {
	Delay             time.Duration `env:"FETCH_DELAY" envDefault:"200ms" validate:"gte=0"`
	ActiveLimit       int           `env:"FETCH_ACTIVE_LIMIT" envDefault:"6" validate:"gte=1"`
	PerTickLimit      int           `env:"FETCH_PER_TICK_LIMIT" envDefault:"0" validate:"gte=0"`
	Timeout           time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	HostRatePerSecond float64       `env:"HOST_RATE_PER_SECOND" envDefault:"20" validate:"gt=0"`
	HostRateBurst     int           `env:"HOST_RATE_BURST" envDefault:"40" validate:"gte=1"`
}

type CacheConfig struct {
	MemoryEntries           int    `env:"CACHE_MEMORY_ENTRIES" envDefault:"512" validate:"gte=1"`
	FileDir                 string `env:"CACHE_FILE_DIR"`
	Persistent              string `env:"CACHE_PERSISTENT" envDefault:"sqlite" validate:"oneof=sqlite pebble postgres redis none"`
	SQLitePath              string `env:"CACHE_SQLITE_PATH" envDefault:"tilestream.db"`
	SQLiteMaxEntries        int    `env:"CACHE_SQLITE_MAX_ENTRIES" envDefault:"0" validate:"gte=0"`
	PebbleDir               string `env:"CACHE_PEBBLE_DIR" envDefault:"tilestream.pebble"`
	PostgresDSN             string `env:"CACHE_POSTGRES_DSN" envDefault:"user=postgres password=postgres dbname=tilestream sslmode=disable"`
	RedisAddr               string `env:"CACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	Codec                   string `env:"CACHE_CODEC" envDefault:"cbor" validate:"oneof=cbor msgpack"`
	Compress                bool   `env:"CACHE_COMPRESS" envDefault:"true"`
	PersistentWriteAttempts uint   `env:"CACHE_PERSISTENT_WRITE_ATTEMPTS" envDefault:"3" validate:"gte=1,lte=10"`
}

type TaskConfig struct {
	MaxRunning     int  `env:"TASK_MAX_RUNNING" envDefault:"10" validate:"gte=1"`
	TileSize       int  `env:"DECODE_TILE_SIZE" envDefault:"256" validate:"gte=16,lte=4096"`
	DecodeRaster   bool `env:"DECODE_RASTER" envDefault:"true"`
	FallbackLevels int  `env:"FALLBACK_LEVELS" envDefault:"4" validate:"gte=0,lte=24"`
}

type CameraConfig struct {
	Lat                 float64 `env:"CAMERA_LAT" envDefault:"59.9139" validate:"gte=-85.0511,lte=85.0511"`
	Lon                 float64 `env:"CAMERA_LON" envDefault:"10.7522" validate:"gte=-180,lte=180"`
	Zoom                int     `env:"CAMERA_ZOOM" envDefault:"12" validate:"gte=0,lte=24"`
	Radius              int     `env:"CAMERA_RADIUS" envDefault:"2" validate:"gte=0,lte=16"`
	PanDegreesPerSecond float64 `env:"CAMERA_PAN_DEGREES_PER_SECOND" envDefault:"0.01"`
}

type settings struct {
	Dataset      string        `env:"TILESTREAM_DATASET" envDefault:"osm" validate:"required"`
	TileURL      string        `env:"TILESTREAM_TILE_URL"`
	UserAgent    string        `env:"TILESTREAM_USER_AGENT" envDefault:"tilestream/0.1" validate:"required"`
	SentryDSN    string        `env:"SENTRY_DSN"`
	OTelEnabled  bool          `env:"OTEL_ENABLED" envDefault:"false"`
	StatusAddr   string        `env:"STATUS_ADDR" envDefault:":8080"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"50ms" validate:"gt=0"`

	Fetch  FetchConfig
	Cache  CacheConfig
	Tasks  TaskConfig
	Camera CameraConfig
}

type Config struct {
	settings settings
	env      environment
}

func (c *Config) Dataset() string {
	return c.settings.Dataset
}

func (c *Config) TileURL() string {
	return c.settings.TileURL
}

func (c *Config) UserAgent() string {
	return c.settings.UserAgent
}

func (c *Config) SentryDSN() string {
	return c.settings.SentryDSN
}

func (c *Config) OTelEnabled() bool {
	return c.settings.OTelEnabled
}

func (c *Config) StatusAddr() string {
	return c.settings.StatusAddr
}

func (c *Config) TickInterval() time.Duration {
	return c.settings.TickInterval
}

func (c *Config) Fetch() FetchConfig {
	return c.settings.Fetch
}

func (c *Config) Cache() CacheConfig {
	return c.settings.Cache
}

func (c *Config) Tasks() TaskConfig {
	return c.settings.Tasks
}

func (c *Config) Camera() CameraConfig {
	return c.settings.Camera
}

func (c *Config) EnvironmentName() string {
	return string(c.env)
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, dataset: %s, persistent: %s, fileCache: %t, ...}",
		string(c.env),
		c.settings.Dataset,
		c.settings.Cache.Persistent,
		c.settings.Cache.FileDir != "",
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var environ environment
	rawEnv, ok := os.LookupEnv("TILESTREAM_ENVIRONMENT")
	if !ok {
		return missingKey("TILESTREAM_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		environ = production
	case "staging":
		environ = staging
	case "development":
		environ = development
	default:
		return Config{}, fmt.Errorf("%w: TILESTREAM_ENVIRONMENT (%s)", ErrInvalidValue, rawEnv)
	}

	parsed, err := env.ParseAs[settings]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(parsed); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	if environ == production || environ == staging {
		if parsed.TileURL == "" {
			return missingKey("TILESTREAM_TILE_URL")
		}
		if parsed.SentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}
	if parsed.TileURL == "" {
		parsed.TileURL = developmentTileURL
	}

	return Config{
		settings: parsed,
		env:      environ,
	}, nil
}
