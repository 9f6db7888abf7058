package lake

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// Locker holds cross-process locks on a set of keys until unlock is called.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// TxBeginner is the subset of *pgxpool.Pool used by AdvisoryLocker.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

const advisoryLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

// AdvisoryLocker takes PostgreSQL transaction-scoped advisory locks, one per
// key. Every ingester sharing the DuckLake catalog database contends on the
// same locks.
type AdvisoryLocker struct {
	db TxBeginner
}

// NewAdvisoryLocker creates a new AdvisoryLocker.
func NewAdvisoryLocker(db TxBeginner) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// Lock blocks until every key is held. Keys are taken in sorted order so two
// lockers never deadlock. The locks are released when unlock ends the
// holding transaction.
func (l *AdvisoryLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}
	release := func() {
		tx.Rollback(context.Background())
	}

	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, key := range sorted {
		if _, err := tx.Exec(ctx, advisoryLockSQL, key); err != nil {
			release()
			return nil, fmt.Errorf("advisory lock %s: %w", key, err)
		}
	}
	return release, nil
}
