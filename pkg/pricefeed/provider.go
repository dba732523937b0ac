/**
 * @description
 * This package provides price-feed providers for the payroll-service. A
 * provider answers one question: what is the USD price of the settlement
 * asset right now, and which feed said so. The engine captures the answer
 * once per run as an immutable snapshot and never re-queries mid-run.
 */
package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a single observed price with its provenance.
type Quote struct {
	AssetSymbol string
	UsdPrice    decimal.Decimal
	FeedID      string
	AsOf        time.Time
}

// Provider fetches a current price quote for an asset symbol.
type Provider interface {
	Name() string
	FetchPrice(ctx context.Context, assetSymbol string) (*Quote, error)
}

// NewProvider selects a provider based on name.
func NewProvider(name, baseURL string) Provider {
	switch name {
	case "coingecko":
		return NewCoinGeckoProvider(baseURL)
	default:
		return NewStaticProvider()
	}
}

// staticProvider serves deterministic prices without external calls.
type staticProvider struct {
	prices map[string]decimal.Decimal
}

// NewStaticProvider returns a provider with a fixed price table, for local
// development and tests.
func NewStaticProvider() Provider {
	return &staticProvider{
		prices: map[string]decimal.Decimal{
			"XLM":  decimal.RequireFromString("0.42"),
			"HBAR": decimal.RequireFromString("0.09"),
			"ALGO": decimal.RequireFromString("0.21"),
			"BTC":  decimal.RequireFromString("64230.50"),
			"ETH":  decimal.RequireFromString("3118.75"),
		},
	}
}

func (p *staticProvider) Name() string { return "static" }

func (p *staticProvider) FetchPrice(ctx context.Context, assetSymbol string) (*Quote, error) {
	price, ok := p.prices[assetSymbol]
	if !ok {
		return nil, fmt.Errorf("static provider has no price for asset %q", assetSymbol)
	}
	return &Quote{
		AssetSymbol: assetSymbol,
		UsdPrice:    price,
		FeedID:      "static:" + assetSymbol,
		AsOf:        time.Now().UTC(),
	}, nil
}
