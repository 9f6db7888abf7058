// Package api provides the CoinGecko REST API client.
//
// REST endpoints:
//   - Public/Demo: https://api.coingecko.com/api/v3
//   - Pro:         https://pro-api.coingecko.com/api/v3
//
// Key endpoints: /ping, /coins/{id}/market_chart/range
//
// The client issues exactly one HTTP request per call. Retry and throttling
// policy belong to the caller (see package fetcher).
package api
