package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// WorkerRepo is the observational worker registry. Heartbeats here are for
// operators; lease expiry on the asset row remains the single source of
// truth for abandoned work.
type WorkerRepo struct {
	db *sqlx.DB
}

// Register upserts the worker's row at startup.
func (r *WorkerRepo) Register(ctx context.Context, workerID, hostname string, state WorkerState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_status (worker_id, hostname, last_seen_at, state, command)
		VALUES ($1, $2, now(), $3, 'none')
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			last_seen_at = now(),
			state = EXCLUDED.state`,
		workerID, hostname, string(state))
	if err != nil {
		return fmt.Errorf("worker %s: register: %w", workerID, err)
	}
	return nil
}

// Heartbeat bumps last_seen_at and optionally replaces the stats document.
func (r *WorkerRepo) Heartbeat(ctx context.Context, workerID string, stats []byte) error {
	var err error
	if stats != nil {
		_, err = r.db.ExecContext(ctx,
			`UPDATE worker_status SET last_seen_at = now(), stats = $1 WHERE worker_id = $2`,
			stats, workerID)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE worker_status SET last_seen_at = now() WHERE worker_id = $1`, workerID)
	}
	if err != nil {
		return fmt.Errorf("worker %s: heartbeat: %w", workerID, err)
	}
	return nil
}

// Command returns the pending operator command.
func (r *WorkerRepo) Command(ctx context.Context, workerID string) (WorkerCommand, error) {
	var cmd string
	err := r.db.GetContext(ctx, &cmd,
		`SELECT command FROM worker_status WHERE worker_id = $1`, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandNone, nil
	}
	if err != nil {
		return CommandNone, fmt.Errorf("worker %s: get command: %w", workerID, err)
	}
	return WorkerCommand(cmd), nil
}

// ClearCommand resets the command to none after it was obeyed.
func (r *WorkerRepo) ClearCommand(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE worker_status SET command = 'none' WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("worker %s: clear command: %w", workerID, err)
	}
	return nil
}

// SetState persists the worker's lifecycle state.
func (r *WorkerRepo) SetState(ctx context.Context, workerID string, state WorkerState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE worker_status SET state = $1, last_seen_at = now() WHERE worker_id = $2`,
		string(state), workerID)
	if err != nil {
		return fmt.Errorf("worker %s: set state: %w", workerID, err)
	}
	return nil
}

// SendCommand sets the pending command on a worker row (operator action).
func (r *WorkerRepo) SendCommand(ctx context.Context, workerID string, cmd WorkerCommand) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE worker_status SET command = $1 WHERE worker_id = $2`, string(cmd), workerID)
	if err != nil {
		return fmt.Errorf("worker %s: send command: %w", workerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: not registered", workerID)
	}
	return nil
}

// List returns all registered workers.
func (r *WorkerRepo) List(ctx context.Context) ([]WorkerStatusRow, error) {
	var out []WorkerStatusRow
	err := r.db.SelectContext(ctx, &out, `
		SELECT worker_id, hostname, last_seen_at, state, command, stats
		FROM worker_status ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

// PruneStale deletes worker rows not seen within maxAge. Returns the count.
func (r *WorkerRepo) PruneStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM worker_status WHERE last_seen_at < now() - make_interval(secs => $1)`,
		maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune stale workers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasActiveLocalTranscode reports whether any live worker on the host is in
// its transcode stage. The temp GC skips the host while this holds.
func (r *WorkerRepo) HasActiveLocalTranscode(ctx context.Context, hostname string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT count(*) FROM worker_status
		WHERE hostname = $1
		  AND state <> 'offline'
		  AND last_seen_at >= now() - interval '120 seconds'
		  AND stats ->> 'current_stage' = 'transcode'`,
		hostname)
	if err != nil {
		return false, fmt.Errorf("check local transcodes: %w", err)
	}
	return n > 0, nil
}

// Unregister removes the worker row on graceful shutdown.
func (r *WorkerRepo) Unregister(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM worker_status WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("worker %s: unregister: %w", workerID, err)
	}
	return nil
}
