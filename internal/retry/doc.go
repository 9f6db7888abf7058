// Package retry classifies stage outcomes and decides whether to retry them.
//
// Every blocking stage (API request, table commit) reports an error that is
// classified into one of:
//   - OK: the stage succeeded
//   - Retryable: transient failure (network, 5xx, storage conflict)
//   - RateLimited: upstream asked us to slow down
//   - Fatal: non-transient, propagate immediately
//
// Policy.Decide is a pure function of (attempt, kind, hint) so retry behaviour
// can be tested without network or storage.
package retry
