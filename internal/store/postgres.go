package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
	"broadcast-platform/pkg/utils"
)

// PostgresRepo stores broadcasts in the tables created by Migrations.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const broadcastColumns = `id, title, message, sms_message, audio_file_url, type, priority, status, max_retries,
  total_recipients, success_count, failure_count, average_duration, created_by, created_at, updated_at,
  scheduled_at, started_at, completed_at, cancelled_at, cancelled_by, cancel_reason, failure_reason`

func (r *PostgresRepo) CreateBroadcast(ctx context.Context, b broadcast.Broadcast) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO broadcasts (` + broadcastColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`
		if _, err := tx.ExecContext(ctx, q, headerArgs(b)...); err != nil {
			return fmt.Errorf("store: insert broadcast: %w", err)
		}

		const qr = `
INSERT INTO broadcast_recipients (broadcast_id, position, phone_number, employee_id, employee_name, status, attempts, last_attempt_at, duration, error_message, tally)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
		stmt, err := tx.PrepareContext(ctx, qr)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, rc := range b.Recipients {
			if _, err := stmt.ExecContext(ctx,
				b.ID, i, rc.PhoneNumber, rc.EmployeeID, rc.EmployeeName, rc.Status,
				rc.Attempts, nullTime(rc.LastAttemptAt), rc.Duration, rc.ErrorMessage, rc.Tally,
			); err != nil {
				return fmt.Errorf("store: insert recipient %s: %w", rc.PhoneNumber, err)
			}
		}
		return nil
	})
}

func headerArgs(b broadcast.Broadcast) []any {
	return []any{
		b.ID, b.Title, b.Message, b.SMSMessage, b.AudioFileURL, b.Type, b.Priority, b.Status, b.MaxRetries,
		b.TotalRecipients, b.SuccessCount, b.FailureCount, b.AverageDuration, b.CreatedBy, b.CreatedAt, b.UpdatedAt,
		nullTime(b.ScheduledAt), nullTime(b.StartedAt), nullTime(b.CompletedAt), nullTime(b.CancelledAt),
		b.CancelledBy, b.CancelReason, b.FailureReason,
	}
}

func (r *PostgresRepo) SaveBroadcast(ctx context.Context, b broadcast.Broadcast) error {
	const q = `
UPDATE broadcasts SET
  status = $2, success_count = $3, failure_count = $4, average_duration = $5, updated_at = $6,
  started_at = $7, completed_at = $8, cancelled_at = $9, cancelled_by = $10, cancel_reason = $11, failure_reason = $12
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		b.ID, b.Status, b.SuccessCount, b.FailureCount, b.AverageDuration, b.UpdatedAt,
		nullTime(b.StartedAt), nullTime(b.CompletedAt), nullTime(b.CancelledAt), b.CancelledBy, b.CancelReason, b.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("store: update broadcast: %w", err)
	}
	return expectOne(res)
}

func (r *PostgresRepo) SaveRecipient(ctx context.Context, broadcastID string, rc broadcast.Recipient) error {
	const q = `
UPDATE broadcast_recipients SET
  status = $3, attempts = $4, last_attempt_at = $5, duration = $6, error_message = $7, tally = $8
WHERE broadcast_id = $1 AND phone_number = $2
`
	res, err := r.db.ExecContext(ctx, q,
		broadcastID, rc.PhoneNumber, rc.Status, rc.Attempts, nullTime(rc.LastAttemptAt), rc.Duration, rc.ErrorMessage, rc.Tally,
	)
	if err != nil {
		return fmt.Errorf("store: update recipient: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeader(s rowScanner) (broadcast.Broadcast, error) {
	var (
		b                                        broadcast.Broadcast
		scheduled, started, completed, cancelled sql.NullTime
	)
	err := s.Scan(
		&b.ID, &b.Title, &b.Message, &b.SMSMessage, &b.AudioFileURL, &b.Type, &b.Priority, &b.Status, &b.MaxRetries,
		&b.TotalRecipients, &b.SuccessCount, &b.FailureCount, &b.AverageDuration, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
		&scheduled, &started, &completed, &cancelled, &b.CancelledBy, &b.CancelReason, &b.FailureReason,
	)
	if err != nil {
		return broadcast.Broadcast{}, err
	}
	b.ScheduledAt = timePtr(scheduled)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	b.CancelledAt = timePtr(cancelled)
	return b, nil
}

func (r *PostgresRepo) GetBroadcast(ctx context.Context, id string) (broadcast.Broadcast, error) {
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE id = $1`
	b, err := scanHeader(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return broadcast.Broadcast{}, ErrNotFound
		}
		return broadcast.Broadcast{}, err
	}
	if b.Recipients, err = r.recipients(ctx, id); err != nil {
		return broadcast.Broadcast{}, err
	}
	return b, nil
}

func (r *PostgresRepo) recipients(ctx context.Context, broadcastID string) ([]broadcast.Recipient, error) {
	const q = `
SELECT phone_number, employee_id, employee_name, status, attempts, last_attempt_at, duration, error_message, tally
FROM broadcast_recipients
WHERE broadcast_id = $1
ORDER BY position
`
	rows, err := r.db.QueryContext(ctx, q, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Recipient
	for rows.Next() {
		var (
			rc   broadcast.Recipient
			last sql.NullTime
		)
		if err := rows.Scan(&rc.PhoneNumber, &rc.EmployeeID, &rc.EmployeeName, &rc.Status, &rc.Attempts, &last, &rc.Duration, &rc.ErrorMessage, &rc.Tally); err != nil {
			return nil, err
		}
		rc.LastAttemptAt = timePtr(last)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListBroadcasts(ctx context.Context, f Filter) ([]broadcast.Broadcast, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CreatedBy != "" {
		args = append(args, f.CreatedBy)
		where = append(where, fmt.Sprintf("created_by = $%d", len(args)))
	}
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.queryHeaders(ctx, q, args...)
}

func (r *PostgresRepo) queryHeaders(ctx context.Context, q string, args ...any) ([]broadcast.Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broadcast.Broadcast
	for rows.Next() {
		b, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListDue(ctx context.Context, now time.Time) ([]broadcast.Broadcast, error) {
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1 ORDER BY scheduled_at`
	return r.withRecipients(ctx, q, now)
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, s broadcast.Status) ([]broadcast.Broadcast, error) {
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE status = $1 ORDER BY created_at`
	return r.withRecipients(ctx, q, s)
}

func (r *PostgresRepo) withRecipients(ctx context.Context, q string, args ...any) ([]broadcast.Broadcast, error) {
	bs, err := r.queryHeaders(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	for i := range bs {
		if bs[i].Recipients, err = r.recipients(ctx, bs[i].ID); err != nil {
			return nil, err
		}
	}
	return bs, nil
}

func (r *PostgresRepo) AppendAttempt(ctx context.Context, a attempts.CallAttempt) error {
	const q = `
INSERT INTO call_attempts (id, broadcast_id, phone_number, attempt_number, trunk_id, start_time, end_time, answered, dtmf_confirmed, duration, status, failure_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	var dur sql.NullInt64
	if a.Duration != nil {
		dur = sql.NullInt64{Int64: int64(*a.Duration), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q,
		a.ID, a.BroadcastID, a.PhoneNumber, a.AttemptNumber, a.TrunkID, a.StartTime, nullTime(a.EndTime),
		a.Answered, a.DTMFConfirmed, dur, a.Status, a.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("store: insert attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListAttempts(ctx context.Context, broadcastID string) ([]attempts.CallAttempt, error) {
	const q = `
SELECT id, broadcast_id, phone_number, attempt_number, trunk_id, start_time, end_time, answered, dtmf_confirmed, duration, status, failure_reason
FROM call_attempts
WHERE broadcast_id = $1
ORDER BY start_time, phone_number, attempt_number
`
	rows, err := r.db.QueryContext(ctx, q, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attempts.CallAttempt
	for rows.Next() {
		var (
			a   attempts.CallAttempt
			end sql.NullTime
			dur sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.BroadcastID, &a.PhoneNumber, &a.AttemptNumber, &a.TrunkID, &a.StartTime, &end,
			&a.Answered, &a.DTMFConfirmed, &dur, &a.Status, &a.FailureReason); err != nil {
			return nil, err
		}
		a.EndTime = timePtr(end)
		if dur.Valid {
			d := int(dur.Int64)
			a.Duration = &d
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) AppendSMSResult(ctx context.Context, res escalation.Result) error {
	const q = `
INSERT INTO sms_results (id, broadcast_id, employee_id, employee_name, phone_number, kind, sent_at, status, message_id, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (broadcast_id, phone_number, kind) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		res.ID, res.BroadcastID, res.EmployeeID, res.EmployeeName, res.PhoneNumber, res.Kind, res.SentAt, res.Status, res.MessageID, res.Error,
	)
	if err != nil {
		return fmt.Errorf("store: insert sms result: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListSMSResults(ctx context.Context, broadcastID string) ([]escalation.Result, error) {
	const q = `
SELECT id, broadcast_id, employee_id, employee_name, phone_number, kind, sent_at, status, message_id, error
FROM sms_results
WHERE broadcast_id = $1
ORDER BY sent_at
`
	rows, err := r.db.QueryContext(ctx, q, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escalation.Result
	for rows.Next() {
		var s escalation.Result
		if err := rows.Scan(&s.ID, &s.BroadcastID, &s.EmployeeID, &s.EmployeeName, &s.PhoneNumber, &s.Kind, &s.SentAt, &s.Status, &s.MessageID, &s.Error); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
