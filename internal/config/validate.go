package config

import (
	"errors"
	"fmt"
)

// Validate checks that intervals, timeouts and thresholds are usable.
func (c *Config) Validate() error {
	if c.Poller.FastInterval <= 0 {
		return errors.New("poller.fast_interval must be > 0")
	}
	if c.Poller.SlowInterval <= 0 {
		return errors.New("poller.slow_interval must be > 0")
	}
	if c.Poller.AdapterTimeout <= 0 {
		return errors.New("poller.adapter_timeout must be > 0")
	}
	if c.Poller.AdapterTimeout >= c.Poller.FastInterval {
		return fmt.Errorf("poller.adapter_timeout (%s) must be shorter than poller.fast_interval (%s)",
			c.Poller.AdapterTimeout, c.Poller.FastInterval)
	}
	if len(c.Poller.FastSymbols) == 0 {
		return errors.New("poller.fast_symbols must not be empty")
	}
	if c.Poller.SlowTopN < 1 || c.Poller.SlowTopN > 250 {
		return errors.New("poller.slow_top_n must be between 1 and 250")
	}
	if c.Cache.StaleAfter <= c.Poller.SlowInterval {
		// slow-cycle quotes would go stale between their own refreshes
		return fmt.Errorf("cache.stale_after (%s) must be longer than poller.slow_interval (%s)",
			c.Cache.StaleAfter, c.Poller.SlowInterval)
	}
	if c.FX.FallbackRate < 0 {
		return errors.New("fx.fallback_rate must be >= 0")
	}
	if c.Aggregation.ExtremePremiumRate <= 0 {
		return errors.New("aggregation.extreme_premium_rate must be > 0")
	}
	if c.Alert.Debounce < 0 {
		return errors.New("alert.debounce must be >= 0")
	}
	if c.Notify.MaxSessions < 1 {
		return errors.New("notify.max_sessions must be >= 1")
	}
	if c.Notify.WriteTimeout <= 0 || c.Notify.PingInterval <= 0 {
		return errors.New("notify.write_timeout and notify.ping_interval must be > 0")
	}
	if c.Notify.PongTimeout <= c.Notify.PingInterval {
		return fmt.Errorf("notify.pong_timeout (%s) must be longer than notify.ping_interval (%s)",
			c.Notify.PongTimeout, c.Notify.PingInterval)
	}
	for name, ex := range c.Exchanges {
		if ex.Enabled && ex.BaseURL == "" {
			return fmt.Errorf("exchanges.%s.base_url is required when enabled", name)
		}
	}
	return nil
}
