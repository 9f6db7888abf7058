package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Ping checks API connectivity.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var resp PingResponse
	if err := c.get(ctx, "/ping", nil, &resp); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &resp, nil
}

// GetMarketChartRange fetches prices, market caps and volumes for assetID
// between from and to (inclusive, second resolution). The raw response body
// is returned unparsed.
func (c *Client) GetMarketChartRange(ctx context.Context, assetID, vsCurrency string, from, to time.Time) ([]byte, error) {
	query := url.Values{}
	query.Set("vs_currency", vsCurrency)
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))

	body, err := c.doRequest(ctx, http.MethodGet, "/coins/"+url.PathEscape(assetID)+"/market_chart/range", query)
	if err != nil {
		return nil, fmt.Errorf("get market chart %s: %w", assetID, err)
	}
	return body, nil
}
