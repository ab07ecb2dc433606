package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Exchanges   map[string]ExchangeConfig
	Poller      PollerConfig
	FX          FXConfig
	Cache       CacheConfig
	Aggregation AggregationConfig
	Alert       AlertConfig
	Notify      NotifyConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Server      ServerConfig
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	Enabled bool
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PollerConfig defines the polling cadences and the symbol sets they cover.
type PollerConfig struct {
	FastInterval   time.Duration `mapstructure:"fast_interval"`
	SlowInterval   time.Duration `mapstructure:"slow_interval"`
	FXInterval     time.Duration `mapstructure:"fx_interval"`
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	FastSymbols    []string      `mapstructure:"fast_symbols"`
	SlowTopN       int           `mapstructure:"slow_top_n"`
}

// FXConfig defines the USD/KRW rate source.
type FXConfig struct {
	URL          string
	FallbackRate float64       `mapstructure:"fallback_rate"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

// CacheConfig defines price cache freshness.
type CacheConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// AggregationConfig defines comparison and premium settings.
type AggregationConfig struct {
	BaseForeignExchange string  `mapstructure:"base_foreign_exchange"`
	ExtremePremiumRate  float64 `mapstructure:"extreme_premium_rate"`
}

// AlertConfig defines alert evaluation settings.
type AlertConfig struct {
	Debounce time.Duration
}

// NotifyConfig defines dispatcher and websocket settings.
type NotifyConfig struct {
	Cooldown     time.Duration
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	MaxSessions  int           `mapstructure:"max_sessions"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode, d.MaxConns)
}

// RedisConfig defines the quote mirror connection.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ServerConfig defines the push/query listener.
type ServerConfig struct {
	Addr      string
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and KIMCHI_* variables apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("KIMCHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}

	err = config.Validate()
	return
}
