package api

import "encoding/json"

// PingResponse from GET /ping
type PingResponse struct {
	GeckoSays string `json:"gecko_says"`
}

// MarketChartResponse from GET /coins/{id}/market_chart/range
//
// Each series is a list of [unix_ms, value] pairs. Points are kept raw so a
// single malformed point can be rejected without failing the whole page.
type MarketChartResponse struct {
	Prices       []json.RawMessage `json:"prices"`
	MarketCaps   []json.RawMessage `json:"market_caps"`
	TotalVolumes []json.RawMessage `json:"total_volumes"`
}

// errorBody covers both error shapes CoinGecko returns.
type errorBody struct {
	Error  string `json:"error"`
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}
