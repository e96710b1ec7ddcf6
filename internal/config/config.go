// Package config loads the collector configuration from YAML, the
// environment (ESI_COLLECTOR_*) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/client"
	"github.com/Sternrassler/eve-esi-collector/pkg/logging"
	"github.com/Sternrassler/eve-esi-collector/pkg/pagination"
	"github.com/Sternrassler/eve-esi-collector/pkg/schema"
	"github.com/Sternrassler/eve-esi-collector/pkg/scheduler"
	"github.com/Sternrassler/eve-esi-collector/pkg/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ESI_COLLECTOR_ESI_USER_AGENT.
const EnvPrefix = "ESI_COLLECTOR"

// Config is the application configuration.
type Config struct {
	ESI        ESIConfig         `mapstructure:"esi"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Collectors []CollectorConfig `mapstructure:"collectors"`
}

// ESIConfig configures the requester and page fetcher.
type ESIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	UserAgent     string        `mapstructure:"user_agent"`
	Datasource    string        `mapstructure:"datasource"`
	MaxRetries    int           `mapstructure:"max_retries"`
	CourtesyDelay time.Duration `mapstructure:"courtesy_delay"`
	BackoffUnit   time.Duration `mapstructure:"backoff_unit"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Workers       int           `mapstructure:"workers"`
	MaxPages      int           `mapstructure:"max_pages"`
	Verbose       bool          `mapstructure:"verbose"`
	// ErrorLimitGate enables the shared error-limit gate (requires Redis).
	ErrorLimitGate bool `mapstructure:"error_limit_gate"`
}

// RedisConfig configures the shared Redis. An empty Addr disables every
// Redis-backed feature.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// DatabaseConfig configures the loader target.
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	EnsureTables   bool          `mapstructure:"ensure_tables"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the HTTP listener of the serve command.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CollectorConfig declares one endpoint and its table.
type CollectorConfig struct {
	Name         string            `mapstructure:"name"`
	Method       string            `mapstructure:"method"`
	Path         string            `mapstructure:"path"`
	PathParams   map[string]string `mapstructure:"path_params"`
	QueryParams  map[string]string `mapstructure:"query_params"`
	Schedule     string            `mapstructure:"schedule"`
	Purge        bool              `mapstructure:"purge"`
	RefreshShift time.Duration     `mapstructure:"refresh_shift"`
	CharacterID  int64             `mapstructure:"character_id"`

	Table      string         `mapstructure:"table"`
	Root       string         `mapstructure:"root"`
	PrimaryKey []string       `mapstructure:"primary_key"`
	Columns    []ColumnConfig `mapstructure:"columns"`
	// StaticColumns copy path parameters onto every record, column name → path parameter.
	// Keys of path_params, query_params and static_columns are lowercased on load.
	StaticColumns map[string]string `mapstructure:"static_columns"`
}

// ColumnConfig declares one column.
type ColumnConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

// Schema returns the table schema of the collector.
func (c CollectorConfig) Schema() schema.Schema {
	cols := make([]schema.Column, len(c.Columns))
	for i, col := range c.Columns {
		typ := schema.ColumnType(strings.ToLower(col.Type))
		if typ == "" {
			typ = schema.TypeText
		}
		cols[i] = schema.Column{Name: col.Name, Type: typ, Path: col.Path}
	}
	return schema.Schema{Table: c.Table, Columns: cols, PrimaryKey: c.PrimaryKey}
}

// Descriptor returns the request descriptor of the collector.
func (c CollectorConfig) Descriptor() client.RequestDescriptor {
	return client.RequestDescriptor{
		Method:      strings.ToUpper(c.Method),
		Path:        c.Path,
		PathParams:  c.PathParams,
		QueryParams: c.QueryParams,
	}
}

func setDefaults(v *viper.Viper) {
	retry := client.DefaultRetryConfig()
	loader := store.DefaultConfig()

	v.SetDefault("esi.base_url", "https://esi.evetech.net/latest")
	v.SetDefault("esi.user_agent", "")
	v.SetDefault("esi.datasource", "tranquility")
	v.SetDefault("esi.max_retries", retry.MaxAttempts)
	v.SetDefault("esi.courtesy_delay", retry.CourtesyDelay)
	v.SetDefault("esi.backoff_unit", retry.BackoffUnit)
	v.SetDefault("esi.max_backoff", retry.MaxBackoff)
	v.SetDefault("esi.timeout", 30*time.Second)
	v.SetDefault("esi.workers", 12)
	v.SetDefault("esi.max_pages", pagination.DefaultMaxPages)
	v.SetDefault("esi.verbose", false)
	v.SetDefault("esi.error_limit_gate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_reconnects", loader.MaxReconnects)
	v.SetDefault("database.reconnect_delay", loader.ReconnectDelay)
	v.SetDefault("database.ensure_tables", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("metrics.addr", ":9090")
}

// Load reads the configuration file at path (optional) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, so flags bound to it
// take part in the merge.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ESI.UserAgent) == "" {
		errs = append(errs, errors.New("esi.user_agent is required"))
	}
	if c.ESI.BaseURL == "" {
		errs = append(errs, errors.New("esi.base_url is required"))
	}
	if c.ESI.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("esi.max_retries must be >= 1 (got %d)", c.ESI.MaxRetries))
	}
	if c.ESI.Workers < 1 {
		errs = append(errs, fmt.Errorf("esi.workers must be >= 1 (got %d)", c.ESI.Workers))
	}
	if c.ESI.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("esi.max_pages must be >= 1 (got %d)", c.ESI.MaxPages))
	}
	if c.ESI.ErrorLimitGate && !c.Redis.Enabled() {
		errs = append(errs, errors.New("esi.error_limit_gate requires redis.addr"))
	}

	if _, err := store.DialectFor(c.Database.Driver); err != nil {
		errs = append(errs, fmt.Errorf("database.driver: %w", err))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("database.max_reconnects must be >= 0 (got %d)", c.Database.MaxReconnects))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if len(c.Collectors) == 0 {
		errs = append(errs, errors.New("at least one collector is required"))
	}
	seen := make(map[string]bool, len(c.Collectors))
	for i, col := range c.Collectors {
		name := col.Name
		if name == "" {
			name = fmt.Sprintf("collectors[%d]", i)
			errs = append(errs, fmt.Errorf("%s: name is required", name))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("collector %s: duplicate name", name))
		}
		seen[name] = true

		if col.Path == "" {
			errs = append(errs, fmt.Errorf("collector %s: path is required", name))
		}
		if col.Schedule != "" {
			if _, err := scheduler.ParseSchedule(col.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("collector %s: %w", name, err))
			}
		}
		errs = append(errs, col.checkNames()...)
		if col.RefreshShift < 0 {
			errs = append(errs, fmt.Errorf("collector %s: refresh_shift must be >= 0", name))
		}
		if col.CharacterID > 0 && !c.Redis.Enabled() {
			errs = append(errs, fmt.Errorf("collector %s: character_id requires redis.addr for the token store", name))
		}
		for _, column := range col.Columns {
			if !validColumnType(column.Type) {
				errs = append(errs, fmt.Errorf("collector %s: column %s has unknown type %q", name, column.Name, column.Type))
			}
		}
		if err := col.Schema().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("collector %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// checkNames reports path placeholders and static columns that cannot match
// after loading. Viper lowercases map keys, so path_params and
// static_columns only ever hold lowercase names.
func (c CollectorConfig) checkNames() []error {
	var errs []error

	for _, name := range client.Placeholders(c.Path) {
		if name != strings.ToLower(name) {
			errs = append(errs, fmt.Errorf("collector %s: path placeholder {%s} must be lowercase", c.Name, name))
			continue
		}
		if _, ok := c.PathParams[name]; !ok {
			errs = append(errs, fmt.Errorf("collector %s: path parameter %s is not set", c.Name, name))
		}
	}

	declared := make(map[string]bool, len(c.Columns))
	for _, col := range c.Columns {
		declared[col.Name] = true
	}
	for column, param := range c.StaticColumns {
		if !declared[column] {
			errs = append(errs, fmt.Errorf("collector %s: static column %s is not declared (column names used in static_columns must be lowercase)", c.Name, column))
		}
		if _, ok := c.PathParams[strings.ToLower(param)]; !ok {
			errs = append(errs, fmt.Errorf("collector %s: static column %s refers to unknown path parameter %s", c.Name, column, param))
		}
	}
	return errs
}

func validColumnType(t string) bool {
	switch schema.ColumnType(strings.ToLower(t)) {
	case "", schema.TypeInteger, schema.TypeBigInt, schema.TypeFloat, schema.TypeText,
		schema.TypeBoolean, schema.TypeTimestamp, schema.TypeJSON:
		return true
	default:
		return false
	}
}

// Collector returns the named collector configuration.
func (c *Config) Collector(name string) (CollectorConfig, bool) {
	for _, col := range c.Collectors {
		if col.Name == name {
			return col, true
		}
	}
	return CollectorConfig{}, false
}
