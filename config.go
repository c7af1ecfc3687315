package main

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config holds the full TOML-driven run configuration. Every key is optional;
// the file itself is optional too.
type Config struct {
	Metabase              MetabaseConfig   `toml:"metabase"`
	Databases             map[string]int64 `toml:"databases"`
	DefaultDatabase       string           `toml:"default_database"`
	Schema                string           `toml:"schema"`
	Workers               int              `toml:"workers"`
	AllowUnresolvedFields bool             `toml:"allow_unresolved_fields"`
	Catalog               CatalogConfig    `toml:"catalog"`
	Journal               JournalConfig    `toml:"journal"`
	Log                   LogConfig        `toml:"log"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

// MetabaseConfig locates the platform. Credentials never live in the file:
// they come from the environment or the OS keyring.
type MetabaseConfig struct {
	URL        string   `toml:"url"`
	User       string   `toml:"user"`
	Timeout    duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
}

// CatalogConfig selects where the destination catalog is read from.
type CatalogConfig struct {
	Source string `toml:"source"` // api|postgres|mysql|sqlite
	DSN    string `toml:"dsn"`
}

// JournalConfig enables the SQLite run journal when Path is set.
type JournalConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console|json
}

// duration decodes TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultConfig() Config {
	return Config{
		Metabase: MetabaseConfig{
			Timeout:    duration{30 * time.Second},
			MaxRetries: 3,
		},
		Databases:       defaultDatabases(),
		DefaultDatabase: "prod",
		Schema:          defaultSchema,
		Catalog:         CatalogConfig{Source: "api"},
		Log:             LogConfig{Level: "info", Format: "console"},
	}
}

// defaultDatabases maps the --database aliases to Metabase database ids.
func defaultDatabases() map[string]int64 {
	return map[string]int64{
		"prod":    2,
		"sandbox": 3,
	}
}

// loadConfig reads an optional TOML config file and returns a Config with
// defaults applied. An empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configErrorf("read config: %w", err)
		}
		// Aliases in the file replace the defaults entirely.
		cfg.Databases = nil
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, configErrorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, configErrorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
		if cfg.Databases == nil {
			cfg.Databases = defaultDatabases()
		}

		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, configErrorf("resolve config path: %w", err)
		}
		cfg.configDir = filepath.Dir(absPath)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers()
	}
	if c.Metabase.MaxRetries < 0 {
		return configErrorf("metabase.max_retries must be >= 0")
	}

	c.Schema = strings.TrimSpace(c.Schema)
	if c.Schema == "" {
		return configErrorf("schema is required")
	}

	if len(c.Databases) == 0 {
		return configErrorf("at least one database alias is required")
	}
	for alias, id := range c.Databases {
		if id <= 0 {
			return configErrorf("databases.%s must be a positive database id", alias)
		}
	}
	if c.DefaultDatabase != "" {
		if _, ok := c.Databases[c.DefaultDatabase]; !ok {
			return configErrorf("default_database %q is not a configured database alias (%s)", c.DefaultDatabase, c.databaseAliases())
		}
	}

	switch c.Catalog.Source {
	case "api":
	case "postgres", "mysql", "sqlite":
		if c.Catalog.DSN == "" {
			return configErrorf("catalog.dsn is required when catalog.source is %q", c.Catalog.Source)
		}
	default:
		return configErrorf("catalog.source must be one of: api, postgres, mysql, sqlite")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return configErrorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return configErrorf("log.format must be one of: console, json")
	}
	return nil
}

// databaseID resolves a --database alias.
func (c *Config) databaseID(alias string) (int64, error) {
	id, ok := c.Databases[alias]
	if !ok {
		return 0, configErrorf("unknown database %q (must be one of: %s)", alias, c.databaseAliases())
	}
	return id, nil
}

func (c *Config) databaseAliases() string {
	aliases := make([]string, 0, len(c.Databases))
	for a := range c.Databases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return strings.Join(aliases, ", ")
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.configDir == "" {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}
