package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

// AffiliatedStores looks up cashback rates of affiliated merchants.
type AffiliatedStores struct {
	http httpClient
}

func NewAffiliatedStores(baseURL string, timeout time.Duration) *AffiliatedStores {
	return &AffiliatedStores{http: newHTTPClient(baseURL, timeout)}
}

// RateFor returns zero for merchants that are not affiliated.
func (a *AffiliatedStores) RateFor(ctx context.Context, merchantID string) (decimal.Decimal, error) {
	var body rateResponse
	err := a.http.getJSON(ctx, "/stores/"+url.PathEscape(merchantID)+"/cashback-rate", &body)
	if errors.Is(err, errNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if body.Rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative cashback rate %s for merchant %s", body.Rate, merchantID)
	}
	return body.Rate, nil
}
