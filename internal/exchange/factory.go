package exchange

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
)

type variant struct {
	kind     Kind
	category model.Category
	build    func(baseURL string, opts ...Option) Adapter
}

// variants is the closed set of supported exchanges, domestic first.
var variants = []variant{
	{KindUpbit, model.Domestic, func(u string, o ...Option) Adapter { return NewUpbitClient(u, o...) }},
	{KindBithumb, model.Domestic, func(u string, o ...Option) Adapter { return NewBithumbClient(u, o...) }},
	{KindCoinone, model.Domestic, func(u string, o ...Option) Adapter { return NewCoinoneClient(u, o...) }},
	{KindKorbit, model.Domestic, func(u string, o ...Option) Adapter { return NewKorbitClient(u, o...) }},
	{KindBinance, model.Foreign, func(u string, o ...Option) Adapter { return NewBinanceClient(u, o...) }},
	{KindKraken, model.Foreign, func(u string, o ...Option) Adapter { return NewKrakenClient(u, o...) }},
	{KindCoinGecko, model.Foreign, func(u string, o ...Option) Adapter { return NewCoinGeckoClient(u, o...) }},
}

// Kinds lists every supported exchange in registry order.
func Kinds() []Kind {
	out := make([]Kind, len(variants))
	for i, v := range variants {
		out[i] = v.kind
	}
	return out
}

// NewClient creates a new exchange client based on the given name and configuration.
func NewClient(name string, logger *slog.Logger, cfg *config.ExchangeConfig, opts ...Option) (Adapter, error) {
	for _, v := range variants {
		if string(v.kind) != name {
			continue
		}
		base := []Option{WithLogger(logger)}
		if cfg.Timeout > 0 {
			base = append(base, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		return v.build(cfg.BaseURL, append(base, opts...)...), nil
	}
	return nil, fmt.Errorf("unknown exchange: %s", name)
}

// NewAdapters builds every enabled exchange in registry order. Configured
// names that are not in the registry are an error.
func NewAdapters(cfgs map[string]config.ExchangeConfig, logger *slog.Logger, opts ...Option) ([]Adapter, error) {
	known := make(map[string]bool, len(variants))
	for _, v := range variants {
		known[string(v.kind)] = true
	}
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			return nil, fmt.Errorf("unknown exchange: %s", name)
		}
	}

	var adapters []Adapter
	for _, v := range variants {
		cfg, ok := cfgs[string(v.kind)]
		if !ok || !cfg.Enabled {
			continue
		}
		a, err := NewClient(string(v.kind), logger, &cfg, opts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// Select returns the adapters whose name is in names, keeping their order.
func Select(adapters []Adapter, names ...string) []Adapter {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Adapter
	for _, a := range adapters {
		if want[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

// ByCategory returns the adapters of one category.
func ByCategory(adapters []Adapter, c model.Category) []Adapter {
	var out []Adapter
	for _, a := range adapters {
		if a.Category() == c {
			out = append(out, a)
		}
	}
	return out
}
