package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const columns = `id, recipient_id, type, title, body, link, read, read_at,
	delivery_status, attempts, max_attempts, next_attempt_at, last_error, delivered_at,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notifications (
			id, recipient_id, type, title, body, link,
			delivery_status, attempts, max_attempts, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Body, n.Link,
		n.DeliveryStatus, n.Attempts, n.MaxAttempts, n.NextAttemptAt, n.CreatedAt, n.UpdatedAt,
	)
	return db.Classify("insert notification", err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+columns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("notification", id)
	}
	return n, db.Classify("get notification", err)
}

func (r *repoPG) ListForRecipient(ctx context.Context, recipient string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	filter := ` WHERE recipient_id = $1`
	if unreadOnly {
		filter += ` AND NOT read`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+filter, recipient).Scan(&total); err != nil {
		return nil, 0, db.Classify("count notifications", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+columns+` FROM notifications`+filter+` ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		recipient, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("list notifications", err)
	}
	out, err := collect(rows)
	return out, total, db.Classify("list notifications", err)
}

func (r *repoPG) UnreadCount(ctx context.Context, recipient string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT read`, recipient).Scan(&n)
	return n, db.Classify("count unread notifications", err)
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID, recipient string) (*Notification, error) {
	n, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE notifications
		SET read = TRUE, read_at = COALESCE(read_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2
		RETURNING `+columns, id, recipient))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.RecipientID != recipient {
			return nil, apperr.Forbidden("notification %s belongs to another user", id)
		}
		return existing, nil
	}
	return n, db.Classify("mark notification read", err)
}

func (r *repoPG) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE recipient_id = $1 AND NOT read`, recipient)
	if err != nil {
		return 0, db.Classify("mark all notifications read", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE notifications SET next_attempt_at = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notifications
			WHERE delivery_status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+columns, now, leaseUntil, limit)
	if err != nil {
		return nil, db.Classify("claim due notifications", err)
	}
	out, err := collect(rows)
	return out, db.Classify("claim due notifications", err)
}

func (r *repoPG) UpdateDelivery(ctx context.Context, n *Notification) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET
			delivery_status = $2, attempts = $3, next_attempt_at = $4,
			last_error = $5, delivered_at = $6, updated_at = NOW()
		WHERE id = $1`,
		n.ID, n.DeliveryStatus, n.Attempts, n.NextAttemptAt, n.LastError, n.DeliveredAt,
	)
	return db.Classify("update notification delivery", err)
}

func scan(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Body, &n.Link, &n.Read, &n.ReadAt,
		&n.DeliveryStatus, &n.Attempts, &n.MaxAttempts, &n.NextAttemptAt, &n.LastError, &n.DeliveredAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collect(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
