package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values for optional configuration fields.
const (
	DefaultFastInterval        = 60 * time.Second
	DefaultSlowInterval        = 300 * time.Second
	DefaultFXInterval          = 10 * time.Minute
	DefaultAdapterTimeout      = 10 * time.Second
	DefaultSinkTimeout         = 5 * time.Second
	DefaultSlowTopN            = 100
	DefaultStaleAfter          = DefaultSlowInterval + DefaultFastInterval
	DefaultFXMaxAge            = time.Hour
	DefaultBaseForeignExchange = "binance"
	DefaultExtremePremiumRate  = 5.0
	DefaultAlertDebounce       = 5 * time.Minute
	DefaultNotifyCooldown      = 30 * time.Minute
	DefaultWriteTimeout        = 10 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultPongTimeout         = 60 * time.Second
	DefaultMaxSessions         = 1000
	DefaultServerAddr          = ":8080"
)

// DefaultFastSymbols is the high-priority symbol set of the fast cycle.
var DefaultFastSymbols = []string{"BTC", "ETH", "XRP", "SOL", "DOGE", "ADA", "TRX", "AVAX", "LINK", "DOT"}

var defaultExchanges = map[string]string{
	"upbit":     "https://api.upbit.com",
	"bithumb":   "https://api.bithumb.com",
	"coinone":   "https://api.coinone.co.kr",
	"korbit":    "https://api.korbit.co.kr",
	"binance":   "https://api.binance.com",
	"kraken":    "https://api.kraken.com",
	"coingecko": "https://api.coingecko.com",
}

func setDefaults(v *viper.Viper) {
	for name, url := range defaultExchanges {
		v.SetDefault("exchanges."+name+".enabled", true)
		v.SetDefault("exchanges."+name+".base_url", url)
		v.SetDefault("exchanges."+name+".timeout", DefaultAdapterTimeout)
	}

	v.SetDefault("poller.fast_interval", DefaultFastInterval)
	v.SetDefault("poller.slow_interval", DefaultSlowInterval)
	v.SetDefault("poller.fx_interval", DefaultFXInterval)
	v.SetDefault("poller.adapter_timeout", DefaultAdapterTimeout)
	v.SetDefault("poller.sink_timeout", DefaultSinkTimeout)
	v.SetDefault("poller.fast_symbols", DefaultFastSymbols)
	v.SetDefault("poller.slow_top_n", DefaultSlowTopN)

	v.SetDefault("fx.url", "https://open.er-api.com/v6/latest/USD")
	v.SetDefault("fx.fallback_rate", 0)
	v.SetDefault("fx.max_age", DefaultFXMaxAge)

	v.SetDefault("cache.stale_after", DefaultStaleAfter)

	v.SetDefault("aggregation.base_foreign_exchange", DefaultBaseForeignExchange)
	v.SetDefault("aggregation.extreme_premium_rate", DefaultExtremePremiumRate)

	v.SetDefault("alert.debounce", DefaultAlertDebounce)

	v.SetDefault("notify.cooldown", DefaultNotifyCooldown)
	v.SetDefault("notify.write_timeout", DefaultWriteTimeout)
	v.SetDefault("notify.ping_interval", DefaultPingInterval)
	v.SetDefault("notify.pong_timeout", DefaultPongTimeout)
	v.SetDefault("notify.max_sessions", DefaultMaxSessions)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kimchi")
	v.SetDefault("database.password", "kimchi")
	v.SetDefault("database.dbname", "kimchi")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.addr", DefaultServerAddr)
}
