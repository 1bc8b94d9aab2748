package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/asset"
	"github.com/netshift/settlement-engine/internal/model"
)

// DefaultCoinIDs maps units to CoinGecko coin ids.
var DefaultCoinIDs = map[model.UnitID]string{
	"btc":   "bitcoin",
	"eth":   "ethereum",
	"sol":   "solana",
	"usdc":  "usd-coin",
	"usdt":  "tether",
	"dai":   "dai",
	"matic": "matic-network",
	"avax":  "avalanche-2",
	"bnb":   "binancecoin",
	"xlm":   "stellar",
	"xrp":   "ripple",
}

// Oracle reads spot prices from a CoinGecko compatible
// /simple/price endpoint.
type Oracle struct {
	baseURL string
	http    *http.Client
	ids     map[model.UnitID]string
}

// NewOracle creates an Oracle. A nil ids map uses DefaultCoinIDs.
func NewOracle(baseURL string, ids map[model.UnitID]string) *Oracle {
	if ids == nil {
		ids = DefaultCoinIDs
	}
	return &Oracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		ids:     ids,
	}
}

// Price implements PriceFunc.
func (o *Oracle) Price(ctx context.Context, unit model.UnitID) (decimal.Decimal, error) {
	unit = asset.Unit(unit)
	id, ok := o.ids[unit]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no oracle id for %s", ErrUnknownUnit, unit)
	}

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", o.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: fetch %s: %w", unit, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricing: fetch %s: status %d", unit, resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("pricing: decode %s: %w", unit, err)
	}
	p, ok := body[id]["usd"]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: oracle returned no usd price for %s", ErrUnknownUnit, unit)
	}
	return p, nil
}
