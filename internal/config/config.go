// Package config loads the ingester configuration from a YAML file, an
// optional .env file and environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mkoziy/fireincidents/ingester/internal/archive"
	"github.com/mkoziy/fireincidents/ingester/internal/database"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/notify"
	"github.com/mkoziy/fireincidents/ingester/internal/objectstore"
	"github.com/mkoziy/fireincidents/ingester/internal/ratelimit"
	"github.com/mkoziy/fireincidents/ingester/internal/sources/socrata"
	"github.com/mkoziy/fireincidents/ingester/internal/validate"
	"github.com/mkoziy/fireincidents/ingester/internal/watermark"
)

// SourceName keys the Socrata entry under rate_limits.
const SourceName = "socrata"

type Config struct {
	API socrata.Config `yaml:"api"`
	// Rate limits per remote source; see SourceName.
	ratelimit.SourceConfigs `yaml:",inline"`

	Validation  validate.Config    `yaml:"validate"`
	Ingest      Ingest             `yaml:"ingest"`
	Storage     Storage            `yaml:"storage"`
	Database    database.Config    `yaml:"database"`
	Watermark   Watermark          `yaml:"watermark"`
	ObjectStore objectstore.Config `yaml:"object_store"`
	Archive     archive.Config     `yaml:"archive"`
	Notify      notify.Config      `yaml:"notify"`
	Metrics     Metrics            `yaml:"metrics"`
	Log         Log                `yaml:"log"`
}

type Ingest struct {
	// MaxBatchSize caps records per cycle; 0 means unbounded.
	MaxBatchSize int `yaml:"max_batch_size"`
	// InitialWatermark is used while no watermark has been stored. Empty
	// means a full backfill.
	InitialWatermark string `yaml:"initial_watermark"`
	DryRun           bool   `yaml:"dry_run"`
	// MaxCycles bounds `run --until-caught-up`; 0 means no limit.
	MaxCycles int `yaml:"max_cycles"`
}

type Storage struct {
	ChunkSize int `yaml:"chunk_size"`
}

type Watermark struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type Metrics struct {
	Textfile string `yaml:"textfile"`
	PushURL  string `yaml:"push_url"`
	Job      string `yaml:"job"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that ingests the public dataset into a
// local SQLite file.
func Default() Config {
	return Config{
		API: socrata.Config{
			Domain:   socrata.DefaultDomain,
			Dataset:  socrata.DefaultDataset,
			PageSize: socrata.DefaultPageSize,
			Timeout:  60 * time.Second,
		},
		SourceConfigs: ratelimit.SourceConfigs{
			RateLimits: map[string]ratelimit.Config{SourceName: ratelimit.DefaultConfig()},
		},
		Validation: validate.Config{
			MaxRejectRatio: validate.DefaultMaxRejectRatio,
			MinSample:      validate.DefaultMinSample,
		},
		Ingest:    Ingest{MaxBatchSize: 50000},
		Storage:   Storage{ChunkSize: 500},
		Database:  database.Config{Driver: database.DriverSQLite, DSN: "fire_incidents.db"},
		Watermark: Watermark{Backend: watermark.BackendDatabase, Path: "last_run_timestamp.json"},
		Archive:   archive.Config{Prefix: "landing"},
		Notify:    notify.Config{Queue: notify.DefaultQueue},
		Metrics:   Metrics{Job: "fire_incidents_ingester"},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. A .env file in the working directory
// is loaded when present; variables already set take precedence over it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: load .env: %w", models.ErrConfiguration, err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %w", models.ErrConfiguration, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %w", models.ErrConfiguration, err)
	}
	return cfg, nil
}

type envVar struct {
	names []string
	apply func(c *Config, v string) error
}

// env lists the recognised variables. Unprefixed names are kept for existing
// deployments.
var env = []envVar{
	{[]string{"FIRE_API_DOMAIN"}, func(c *Config, v string) error { c.API.Domain = v; return nil }},
	{[]string{"FIRE_DATASET"}, func(c *Config, v string) error { c.API.Dataset = v; return nil }},
	{[]string{"FIRE_API_APP_TOKEN", "API_APP_TOKEN", "SFGOV_APP_TOKEN"}, func(c *Config, v string) error { c.API.AppToken = v; return nil }},
	{[]string{"FIRE_API_WHERE"}, func(c *Config, v string) error { c.API.Where = v; return nil }},
	{[]string{"FIRE_PAGE_SIZE", "BATCH_SIZE"}, intVar(func(c *Config) *int { return &c.API.PageSize })},
	{[]string{"FIRE_MAX_BATCH_SIZE"}, intVar(func(c *Config) *int { return &c.Ingest.MaxBatchSize })},
	{[]string{"FIRE_CHUNK_SIZE"}, intVar(func(c *Config) *int { return &c.Storage.ChunkSize })},
	{[]string{"FIRE_INITIAL_WATERMARK"}, func(c *Config, v string) error { c.Ingest.InitialWatermark = v; return nil }},
	{[]string{"FIRE_DRY_RUN", "DRY_RUN"}, boolVar(func(c *Config) *bool { return &c.Ingest.DryRun })},
	{[]string{"FIRE_DB_DRIVER"}, func(c *Config, v string) error { c.Database.Driver = v; return nil }},
	{[]string{"FIRE_DATABASE_URL", "DATABASE_URL"}, func(c *Config, v string) error {
		c.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Database.Driver = database.DriverPostgres
		}
		return nil
	}},
	{[]string{"FIRE_WATERMARK_BACKEND"}, func(c *Config, v string) error { c.Watermark.Backend = v; return nil }},
	{[]string{"FIRE_WATERMARK_PATH", "LAST_RUN_TIMESTAMP_FILE"}, func(c *Config, v string) error { c.Watermark.Path = v; return nil }},
	{[]string{"MINIO_ENDPOINT"}, func(c *Config, v string) error { c.ObjectStore.Endpoint = v; return nil }},
	{[]string{"MINIO_ACCESS_KEY"}, func(c *Config, v string) error { c.ObjectStore.AccessKey = v; return nil }},
	{[]string{"MINIO_SECRET_KEY"}, func(c *Config, v string) error { c.ObjectStore.SecretKey = v; return nil }},
	{[]string{"MINIO_LANDING_BUCKET"}, func(c *Config, v string) error { c.ObjectStore.Bucket = v; return nil }},
	{[]string{"MINIO_SECURE"}, boolVar(func(c *Config) *bool { return &c.ObjectStore.UseSSL })},
	{[]string{"FIRE_ARCHIVE"}, boolVar(func(c *Config) *bool { return &c.Archive.Enabled })},
	{[]string{"RABBITMQ_URL"}, func(c *Config, v string) error { c.Notify.URL = v; c.Notify.Enabled = true; return nil }},
	{[]string{"FIRE_METRICS_TEXTFILE"}, func(c *Config, v string) error { c.Metrics.Textfile = v; return nil }},
	{[]string{"FIRE_PUSHGATEWAY_URL"}, func(c *Config, v string) error { c.Metrics.PushURL = v; return nil }},
	{[]string{"FIRE_LOG_LEVEL", "LOGGING_LEVEL"}, func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{[]string{"FIRE_LOG_FORMAT"}, func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		// Older .env files carry inline comments: BATCH_SIZE=2000 # rows
		v, _, _ = strings.Cut(v, "#")
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// applyEnv overrides fields from the environment. For a variable with
// several names the first one set wins.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, e := range env {
		for _, name := range e.names {
			v, ok := lookup(name)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if err := e.apply(c, v); err != nil {
				return fmt.Errorf("%w: invalid %s: %w", models.ErrConfiguration, name, err)
			}
			break
		}
	}
	return nil
}

// RateLimit returns the throttling settings for the Socrata API.
func (c Config) RateLimit() ratelimit.Config {
	cfg, _ := c.Get(SourceName)
	return cfg
}

// InitialPosition parses ingest.initial_watermark.
func (c Config) InitialPosition() (*time.Time, error) {
	if c.Ingest.InitialWatermark == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(c.Ingest.InitialWatermark)
	if err != nil {
		return nil, fmt.Errorf("%w: ingest.initial_watermark: %w", models.ErrConfiguration, err)
	}
	return &t, nil
}

// ParseTimestamp accepts RFC 3339, a Socrata floating timestamp or a plain
// date, and returns UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, socrata.FloatingTimestamp, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a timestamp", s)
}

// Validate checks the configuration. All problems are reported at once.
func (c Config) Validate() error {
	var errs []error
	if c.API.Domain == "" {
		errs = append(errs, errors.New("api.domain is required"))
	}
	if c.API.Dataset == "" {
		errs = append(errs, errors.New("api.dataset is required"))
	}
	if c.API.PageSize <= 0 {
		errs = append(errs, errors.New("api.page_size must be positive"))
	}
	if c.Ingest.MaxBatchSize < 0 {
		errs = append(errs, errors.New("ingest.max_batch_size must not be negative"))
	}
	if c.Validation.MaxRejectRatio < 0 || c.Validation.MaxRejectRatio > 1 {
		errs = append(errs, errors.New("validate.max_reject_ratio must be between 0 and 1"))
	}
	if _, err := c.InitialPosition(); err != nil {
		errs = append(errs, err)
	}
	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Watermark.Backend {
	case watermark.BackendDatabase:
	case watermark.BackendFile:
		if c.Watermark.Path == "" {
			errs = append(errs, errors.New("watermark.path is required for the file backend"))
		}
	case watermark.BackendS3:
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("watermark.backend %q is not supported", c.Watermark.Backend))
	}
	if c.Archive.Enabled && c.Watermark.Backend != watermark.BackendS3 {
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Notify.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", f))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// LogLevel parses log.level.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
