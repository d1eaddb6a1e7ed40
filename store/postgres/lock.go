package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/crosslist/relister/id"
)

// lockKey derives the advisory lock key for a job. Advisory locks are
// keyed by a single int64, so the tenant and job id are hashed
// together.
func lockKey(tenantID int64, jobID id.JobID) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s", tenantID, jobID)
	return int64(h.Sum64()) //nolint:gosec // wraparound is fine for a lock key
}

// HoldJobLock takes the session advisory lock for a job on a pinned
// pool connection. Session locks die with their connection, so a
// crashed worker can never leave the lock stuck.
func (s *Store) HoldJobLock(ctx context.Context, tenantID int64, jobID id.JobID) (func(), error) {
	key := lockKey(tenantID, jobID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("relister/postgres: acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("relister/postgres: advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, fmt.Errorf("relister/postgres: advisory lock %d already held", key)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
				s.logger.Warn("advisory unlock failed",
					slog.Int64("key", key),
					slog.String("error", err.Error()),
				)
			}
			conn.Release()
		})
	}
	return release, nil
}

// SignalCancel momentarily try-locks the job's advisory lock to signal
// cancellation intent. When the running worker holds the lock the try
// returns false immediately, so this never blocks; the persisted flag
// carries the actual cancellation either way.
func (s *Store) SignalCancel(ctx context.Context, tenantID int64, jobID id.JobID) error {
	key := lockKey(tenantID, jobID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("relister/postgres: acquire signal connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		return fmt.Errorf("relister/postgres: signal cancel: %w", err)
	}
	if locked {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("relister/postgres: release signal lock: %w", err)
		}
	}
	return nil
}
