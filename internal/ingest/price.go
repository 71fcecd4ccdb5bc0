package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradepilot/companion/internal/store"
)

const (
	// CoinGeckoAPIURL is the public CoinGecko endpoint
	CoinGeckoAPIURL = "https://api.coingecko.com/api/v3"
	// CoinGeckoProAPIURL is used when an API key is configured
	CoinGeckoProAPIURL = "https://pro-api.coingecko.com/api/v3"

	// Public tier allows roughly 30 calls per minute
	priceFeedRatePerMinute = 30
)

// coinIDs maps tracked symbols to CoinGecko coin ids.
var coinIDs = map[string]string{
	"AVAX": "avalanche-2",
	"USDC": "usd-coin",
}

// PriceFeed fetches spot prices from CoinGecko.
type PriceFeed struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewPriceFeed creates a price feed. An empty baseURL selects the public or
// pro endpoint depending on whether apiKey is set.
func NewPriceFeed(baseURL, apiKey string, timeout time.Duration) *PriceFeed {
	if baseURL == "" {
		baseURL = CoinGeckoAPIURL
		if apiKey != "" {
			baseURL = CoinGeckoProAPIURL
		}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &PriceFeed{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(priceFeedRatePerMinute)/60), 2),
	}
}

// FetchPrice returns the USD price of symbol.
func (f *PriceFeed) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	coinID, ok := coinIDs[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("unsupported token: %s", symbol)
	}

	if err := f.rateLimiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate limit wait cancelled: %v", store.ErrTransport, err)
	}

	params := url.Values{
		"ids":           {coinID},
		"vs_currencies": {"usd"},
	}
	requestURL := f.baseURL + "/simple/price?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-Cg-Pro-Api-Key", f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price request failed: %v", store.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, &store.RemoteRejection{
			Status: resp.StatusCode,
			Reason: fmt.Sprintf("price feed returned %s", http.StatusText(resp.StatusCode)),
		}
	}

	var prices map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&prices); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price: %w", err)
	}

	raw, ok := prices[coinID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("price for %s missing from response", symbol)
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", raw, err)
	}

	slog.Debug("price_fetched", "symbol", symbol, "price", price.String())
	return price, nil
}
