package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/pgrest/pkg/config.Version=..."
var Version = "dev"

// EnvPrefix prefixes environment overrides, e.g. PGREST_REST_PG_CONNSTRING.
const EnvPrefix = "PGREST"

var ErrNoConnString = errors.New("config: rest.pg.connString is required")

// Config holds application-wide configuration
type Config struct {
	REST    RESTConfig    `mapstructure:"rest"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Query   QueryConfig   `mapstructure:"query"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type RESTConfig struct {
	PG         PGConfig `mapstructure:"pg"`
	ListenAddr string   `mapstructure:"listenAddr"`
	BaseURL    string   `mapstructure:"baseURL"`
	// Schema is the PostgreSQL schema whose tables are exposed.
	Schema       string   `mapstructure:"schema"`
	MaxBodyBytes int64    `mapstructure:"maxBodyBytes"`
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

type PGConfig struct {
	ConnString string `mapstructure:"connString"`
	// ConnectRetries bounds the attempts made while the database is not reachable yet.
	ConnectRetries uint64 `mapstructure:"connectRetries"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RefreshInterval rebuilds every snapshot periodically; zero disables the timer.
	RefreshInterval   time.Duration `mapstructure:"refreshInterval"`
	IntrospectRetries uint64        `mapstructure:"introspectRetries"`
	// NotifyChannel, when set, reloads the cache on NOTIFY <channel>, 'reload schema'.
	NotifyChannel string `mapstructure:"notifyChannel"`
	// Parallelism bounds the tables introspected at once by a full refresh.
	Parallelism int `mapstructure:"parallelism"`
	// LoadTimeout bounds a catalog load shared by concurrent requests.
	LoadTimeout time.Duration `mapstructure:"loadTimeout"`
}

type QueryConfig struct {
	MaxLimit uint64 `mapstructure:"maxLimit"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Default() Config {
	return Config{
		REST: RESTConfig{
			ListenAddr:   ":8080",
			Schema:       "public",
			MaxBodyBytes: 8 << 20,
			PG:           PGConfig{ConnectRetries: 5},
		},
		Cache: CacheConfig{
			Enabled:           true,
			IntrospectRetries: 3,
			Parallelism:       4,
			LoadTimeout:       30 * time.Second,
		},
		Query:   QueryConfig{MaxLimit: 10000},
		Metrics: MetricsConfig{Addr: ":9100"},
	}
}

// SetDefaults registers the values of Default with v so that environment variables
// for keys absent from the config file are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("rest.pg.connString", d.REST.PG.ConnString)
	v.SetDefault("rest.pg.connectRetries", d.REST.PG.ConnectRetries)
	v.SetDefault("rest.listenAddr", d.REST.ListenAddr)
	v.SetDefault("rest.baseURL", d.REST.BaseURL)
	v.SetDefault("rest.schema", d.REST.Schema)
	v.SetDefault("rest.maxBodyBytes", d.REST.MaxBodyBytes)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.refreshInterval", d.Cache.RefreshInterval)
	v.SetDefault("cache.introspectRetries", d.Cache.IntrospectRetries)
	v.SetDefault("cache.notifyChannel", d.Cache.NotifyChannel)
	v.SetDefault("cache.parallelism", d.Cache.Parallelism)
	v.SetDefault("cache.loadTimeout", d.Cache.LoadTimeout)
	v.SetDefault("query.maxLimit", d.Query.MaxLimit)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// New returns a viper instance reading cfgFile, or pgrest.yaml from $HOME/.config and the
// working directory, with PGREST_ environment overrides.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgrest")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the config file, if any, and decodes v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.REST.PG.ConnString == "" {
		return ErrNoConnString
	}
	if c.Cache.RefreshInterval < 0 {
		return fmt.Errorf("config: cache.refreshInterval must not be negative, got %s", c.Cache.RefreshInterval)
	}
	if c.Cache.Parallelism < 1 {
		return fmt.Errorf("config: cache.parallelism must be at least 1, got %d", c.Cache.Parallelism)
	}
	if c.Cache.LoadTimeout <= 0 {
		return fmt.Errorf("config: cache.loadTimeout must be positive, got %s", c.Cache.LoadTimeout)
	}
	if c.Query.MaxLimit == 0 {
		return errors.New("config: query.maxLimit must be positive")
	}
	return nil
}
