package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bus_events (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		subject     TEXT NOT NULL DEFAULT '',
		payload     BLOB NOT NULL,
		visible_at  INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_events_visible ON bus_events (visible_at)`,
	`CREATE TABLE IF NOT EXISTS bus_processed (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bus_dead_letters (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		subject     TEXT NOT NULL DEFAULT '',
		payload     BLOB NOT NULL,
		attempts    INTEGER NOT NULL,
		last_error  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		failed_at   INTEGER NOT NULL
	)`,
}

// row is a bus_events row.
type row struct {
	ID        string
	Type      string
	Subject   string
	Payload   []byte
	CreatedAt int64
	Attempts  int
}

// DeadLetter is an event that exhausted its retries.
type DeadLetter struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Subject   string    `json:"subject"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
	FailedAt  time.Time `json:"failed_at"`
}

func (b *Bus) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: bus schema: %w", common.ErrDatabase, err)
		}
	}
	return nil
}

func (b *Bus) isProcessed(ctx context.Context, id string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_processed WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (b *Bus) insert(ctx context.Context, id, typ, subject string, payload []byte, now time.Time) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO bus_events (id, type, subject, payload, visible_at, created_at) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		id, typ, subject, payload, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// claim hides up to n visible events for the visibility timeout and returns
// them oldest first.
func (b *Bus) claim(ctx context.Context, n int) ([]*row, error) {
	now := b.now()
	hideUntil := now.Add(b.opts.Visibility).UnixMilli()

	rows, err := b.db.QueryContext(ctx, `
		UPDATE bus_events
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM bus_events
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, type, subject, payload, created_at, attempts`,
		hideUntil, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.Type, &r.Subject, &r.Payload, &r.CreatedAt, &r.Attempts); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// complete records the key as processed and removes the event.
func (b *Bus) complete(ctx context.Context, r *row) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bus_processed (id, type, processed_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Type, b.now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_events WHERE id = ?`, r.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// ack removes an event without recording it, used for keys already processed.
func (b *Bus) ack(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM bus_events WHERE id = ?`, id)
	return err
}

// retryAfter makes the event visible again after delay.
func (b *Bus) retryAfter(ctx context.Context, id string, delay time.Duration, cause error) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE bus_events SET visible_at = ?, last_error = ? WHERE id = ?`,
		b.now().Add(delay).UnixMilli(), cause.Error(), id,
	)
	return err
}

// postpone hides the event for delay and gives back the attempt its claim took.
func (b *Bus) postpone(ctx context.Context, id string, delay time.Duration) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE bus_events SET visible_at = ?, attempts = MAX(attempts - 1, 0) WHERE id = ?`,
		b.now().Add(delay).UnixMilli(), id,
	)
	return err
}

// release returns a claimed but never dispatched event to the queue.
func (b *Bus) release(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE bus_events SET visible_at = 0, attempts = MAX(attempts - 1, 0) WHERE id = ?`, id,
	)
	return err
}

func (b *Bus) moveToDeadLetters(ctx context.Context, r *row, cause error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bus_dead_letters (id, type, subject, payload, attempts, last_error, created_at, failed_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error, failed_at = excluded.failed_at`,
		r.ID, r.Type, r.Subject, r.Payload, r.Attempts, cause.Error(), r.CreatedAt, b.now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_events WHERE id = ?`, r.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeadLetters lists dead-lettered events, oldest failure first.
func (b *Bus) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, type, subject, attempts, last_error, created_at, failed_at
		FROM bus_dead_letters ORDER BY failed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %w", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var created, failed int64
		if err := rows.Scan(&d.ID, &d.Type, &d.Subject, &d.Attempts, &d.LastError, &created, &failed); err != nil {
			return nil, err
		}
		d.CreatedAt = time.UnixMilli(created).UTC()
		d.FailedAt = time.UnixMilli(failed).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Requeue moves a dead letter back onto the queue with a fresh retry budget.
func (b *Bus) Requeue(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	defer func() { _ = tx.Rollback() }()

	var r row
	err = tx.QueryRowContext(ctx,
		`SELECT id, type, subject, payload, created_at FROM bus_dead_letters WHERE id = ?`, id,
	).Scan(&r.ID, &r.Type, &r.Subject, &r.Payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: dead letter %s", common.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}

	now := b.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bus_events (id, type, subject, payload, visible_at, created_at) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET visible_at = excluded.visible_at, attempts = 0`,
		r.ID, r.Type, r.Subject, r.Payload, now, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	b.logger.Info("bus.dead_letter.requeued", "event_id", id, "type", r.Type)
	return nil
}

// Len is the number of events waiting or in flight.
func (b *Bus) Len(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_events`).Scan(&n)
	return n, err
}
