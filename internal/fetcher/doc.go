// Package fetcher implements the Fetcher component.
//
// The Fetcher:
//   - Pages through /coins/{id}/market_chart/range one time window at a time
//   - Yields pages lazily, one request per page, in API order
//   - Throttles all requests through a shared token bucket
//   - Retries transient failures and rate-limit signals with jittered backoff
//   - Fails fast on non-transient errors (unknown asset, bad request)
//
// Cursors are opaque to callers; they encode the start of the next window.
package fetcher
