package jobs

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/survey-platform/internal/pkg/distlock"
)

// =============================================================================
// RECOVERY SCANNER — Reclaims Stalled Jobs After Worker Crashes
// =============================================================================
// A worker that dies mid-pipeline leaves its job in 'claimed' status with a
// heartbeat that stops advancing. This scanner periodically requeues such
// jobs so another worker can resume them from their persisted checkpoint.
// Jobs that have already burned their attempt budget are failed instead, and
// their population is moved to failed so it never sticks in 'working'.
//
// A distributed lock keeps multiple worker processes from scanning at once.

const (
	// DefaultRecoveryInterval is how often we scan for stalled jobs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a heartbeat may go quiet before the
	// owning worker is presumed dead.
	DefaultStaleAge = 5 * time.Minute
)

// RecoveryScanner periodically requeues stalled jobs. Requeued jobs flow
// back through the normal claim/retry path, so the scanner itself never
// touches progress or checkpoints.
type RecoveryScanner struct {
	db       *sql.DB
	lock     distlock.DistLock
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryScanner creates a scanner with the given timing. Zero values
// fall back to the defaults.
func NewRecoveryScanner(db *sql.DB, lock distlock.DistLock, interval, staleAge time.Duration) *RecoveryScanner {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &RecoveryScanner{db: db, lock: lock, interval: interval, staleAge: staleAge}
}

// Start begins the scan loop. It blocks until ctx is cancelled.
func (rs *RecoveryScanner) Start(ctx context.Context) {
	log.Printf("[Recovery] Starting (interval=%s, stale_age=%s)", rs.interval, rs.staleAge)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Stopping")
			return
		case <-ticker.C:
			rs.scan(ctx)
		}
	}
}

// scan performs one recovery pass under the distributed lock.
func (rs *RecoveryScanner) scan(ctx context.Context) {
	if rs.lock != nil {
		acquired, err := rs.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Recovery] lock error: %v", err)
			return
		}
		if !acquired {
			return // another process is scanning
		}
		defer rs.lock.Release(ctx)
	}

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 1. Requeue stalled jobs that still have attempts left. The claim
	// already charged the attempt, so the counter is not touched here.
	res, err := rs.db.ExecContext(queryCtx, `
		UPDATE survey_jobs
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    heartbeat_at = NULL,
		    scheduled_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'claimed'
		  AND heartbeat_at < NOW() - $1::interval
		  AND attempts < max_attempts
	`, rs.staleAge.String())
	if err != nil {
		log.Printf("[Recovery] requeue error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[Recovery] requeued %d stalled jobs", n)
	}

	// 2. Fail stalled jobs that are out of attempts, and release their
	// populations in the same pass. The owning worker is gone, so its
	// terminal-failure hooks will never run.
	rows, err := rs.db.QueryContext(queryCtx, `
		UPDATE survey_jobs
		SET status = 'failed',
		    worker_id = NULL,
		    claimed_at = NULL,
		    last_error = COALESCE(NULLIF(last_error, ''), 'worker lost'),
		    updated_at = NOW()
		WHERE status = 'claimed'
		  AND heartbeat_at < NOW() - $1::interval
		  AND attempts >= max_attempts
		RETURNING id
	`, rs.staleAge.String())
	if err != nil {
		log.Printf("[Recovery] fail error: %v", err)
		return
	}
	var failed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			log.Printf("[Recovery] scan error: %v", err)
			return
		}
		failed = append(failed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Printf("[Recovery] iterate error: %v", err)
		return
	}
	if len(failed) == 0 {
		return
	}

	log.Printf("[Recovery] failed %d abandoned jobs", len(failed))
	_, err = rs.db.ExecContext(queryCtx, `
		UPDATE survey_populations
		SET status = 'failed', updated_at = NOW()
		WHERE job_id = ANY($1::uuid[])
	`, pq.Array(failed))
	if err != nil {
		log.Printf("[Recovery] population release error: %v", err)
	}
}
