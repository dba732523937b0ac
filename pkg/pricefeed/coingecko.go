package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// coinIDs maps asset symbols to CoinGecko coin identifiers.
var coinIDs = map[string]string{
	"XLM":  "stellar",
	"HBAR": "hedera-hashgraph",
	"ALGO": "algorand",
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
}

type coinGeckoProvider struct {
	baseURL string
	client  *http.Client
}

// NewCoinGeckoProvider builds a provider backed by the CoinGecko simple
// price API or a compatible host.
func NewCoinGeckoProvider(baseURL string) Provider {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	return &coinGeckoProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *coinGeckoProvider) Name() string { return "coingecko" }

func (p *coinGeckoProvider) FetchPrice(ctx context.Context, assetSymbol string) (*Quote, error) {
	coinID, ok := coinIDs[assetSymbol]
	if !ok {
		coinID = strings.ToLower(assetSymbol)
	}

	priceURL := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd&include_last_updated_at=true",
		p.baseURL, url.QueryEscape(coinID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, priceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price request failed: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Decode through json.Number so the quoted price never round-trips a
	// float64.
	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("unparsable price response: %w", err)
	}

	entry, ok := payload[coinID]
	if !ok {
		return nil, fmt.Errorf("price response missing coin %q", coinID)
	}
	rawPrice, ok := entry["usd"]
	if !ok {
		return nil, fmt.Errorf("price response missing usd quote for %q", coinID)
	}

	price, err := decimal.NewFromString(rawPrice.String())
	if err != nil {
		return nil, fmt.Errorf("invalid usd price %q: %w", rawPrice.String(), err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("non-positive usd price %s for %q", price, coinID)
	}

	asOf := time.Now().UTC()
	if rawUpdated, ok := entry["last_updated_at"]; ok {
		if unix, err := rawUpdated.Int64(); err == nil && unix > 0 {
			asOf = time.Unix(unix, 0).UTC()
		}
	}

	return &Quote{
		AssetSymbol: assetSymbol,
		UsdPrice:    price,
		FeedID:      "coingecko:" + coinID,
		AsOf:        asOf,
	}, nil
}
