// Package pipeline drives ingestion for a set of assets.
//
// Each asset moves through an explicit state machine:
//
//	Idle -> Fetching -> Normalizing -> Deduping -> Committing -> Advancing -> Fetching ...
//	Fetching -> Done when the upstream is exhausted
//	any non-terminal state -> Failed on error
//
// Pages for one asset are processed strictly in fetch order. The next page
// is fetched while the current batch commits, through a one-slot channel.
// Assets run in parallel on a bounded worker pool, and one asset failing
// never stops the others.
package pipeline
