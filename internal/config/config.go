package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Error is a configuration problem detected before any database or file
// I/O happens.
type Error struct {
	Field  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Config is the full process configuration.
type Config struct {
	Database  Database  `yaml:"database"`
	Retry     Retry     `yaml:"retry"`
	Analytics Analytics `yaml:"analytics"`
	Export    Export    `yaml:"export"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	Schedule  Schedule  `yaml:"schedule"`
}

type Database struct {
	URL    string `yaml:"url" validate:"required"`
	Driver string `yaml:"driver" validate:"oneof=postgres postgresql pg mysql mariadb sqlite sqlite3"`
}

type Retry struct {
	MaxAttempts   int      `yaml:"max_attempts" validate:"gte=1,lte=20"`
	Delay         Duration `yaml:"delay"`
	TransientOnly bool     `yaml:"transient_only"`
}

type Analytics struct {
	CohortMonthsBack    int      `yaml:"cohort_months_back" validate:"gte=1"`
	LTVMonthsBack       int      `yaml:"ltv_months_back" validate:"gte=1"`
	ChurnThresholdDays  int      `yaml:"churn_threshold_days" validate:"gte=1"`
	HighRiskLimit       int      `yaml:"high_risk_limit" validate:"gte=1"`
	BottleneckThreshold float64  `yaml:"bottleneck_threshold" validate:"gte=0,lte=100"`
	RevenueWindow       Duration `yaml:"revenue_window"`
}

type Export struct {
	Dir    string `yaml:"dir" validate:"required"`
	Format string `yaml:"format" validate:"oneof=csv json parquet"`
	Upload Upload `yaml:"upload"`
}

// Upload configures copying artifacts to an S3-compatible bucket.
type Upload struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	Dir    string `yaml:"dir"`
}

type Metrics struct {
	Addr     string `yaml:"addr"`
	Textfile string `yaml:"textfile"`
}

type Schedule struct {
	Cron string `yaml:"cron"`
	// Export runs a full export after each scheduled refresh.
	Export bool `yaml:"export"`
}

// Duration is a time.Duration that reads "5s"-style strings or plain
// seconds from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Default returns the built-in configuration. The database URL has no
// default.
func Default() Config {
	return Config{
		Database: Database{Driver: "postgres"},
		Retry: Retry{
			MaxAttempts: 3,
			Delay:       Duration(5 * time.Second),
		},
		Analytics: Analytics{
			CohortMonthsBack:    12,
			LTVMonthsBack:       12,
			ChurnThresholdDays:  30,
			HighRiskLimit:       10,
			BottleneckThreshold: 50,
			RevenueWindow:       Duration(30 * 24 * time.Hour),
		},
		Export: Export{Dir: "exports", Format: "csv"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &Error{Reason: "read " + path, Err: err}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &Error{Reason: "parse " + path, Err: err}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ── Environment ───────────────────────────────────────────────

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: key, Reason: "not an integer: " + v, Err: err}
		}
		*dst = n
		return nil
	}

	str("DATABASE_URL", &cfg.Database.URL)
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("EXPORTS_DIR", &cfg.Export.Dir)
	if err := num("MAX_RETRIES", &cfg.Retry.MaxAttempts); err != nil {
		return err
	}
	if err := num("COHORT_MONTHS_BACK", &cfg.Analytics.CohortMonthsBack); err != nil {
		return err
	}
	if err := num("CHURN_THRESHOLD_DAYS", &cfg.Analytics.ChurnThresholdDays); err != nil {
		return err
	}
	if v, ok := lookup("RETRY_DELAY"); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return &Error{Field: "RETRY_DELAY", Reason: "not a duration: " + v, Err: err}
		}
		cfg.Retry.Delay = Duration(d)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return nil
}

// ── Validation ────────────────────────────────────────────────

var validate = validator.New()

// Validate checks cfg and reports the first invalid field as *Error.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		if cfg.Retry.Delay < 0 {
			return &Error{Field: "retry.delay", Reason: "must not be negative"}
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &Error{Field: fieldPath(fe.Namespace()), Reason: "failed " + fe.Tag() + " check", Err: err}
	}
	return &Error{Reason: "invalid", Err: err}
}

// fieldPath turns "Config.Database.URL" into "database.url".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}
