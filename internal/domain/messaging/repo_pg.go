package messaging

import (
	"context"
	"errors"

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

func (r *repoPG) Append(ctx context.Context, m *Message) error {
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		UPDATE bookings SET last_message_seq = last_message_seq + 1
		WHERE id = $1
		RETURNING last_message_seq`, m.BookingID).Scan(&m.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("booking", m.BookingID)
	}
	if err != nil {
		return db.Classify("assign message seq", err)
	}

	// created_at is stamped after the counter row is locked so it agrees
	// with seq order.
	err = q.QueryRow(ctx, `
		INSERT INTO messages (id, booking_id, seq, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp())
		RETURNING created_at`,
		m.ID, m.BookingID, m.Seq, m.SenderID, m.Body,
	).Scan(&m.CreatedAt)
	return db.Classify("insert message", err)
}

func (r *repoPG) ListAfter(ctx context.Context, bookingID uuid.UUID, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, booking_id, seq, sender_id, body, created_at
		FROM messages
		WHERE booking_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, bookingID, afterSeq, limit)
	if err != nil {
		return nil, db.Classify("list messages", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.BookingID, &m.Seq, &m.SenderID, &m.Body, &m.CreatedAt)
		return &m, err
	})
	return out, db.Classify("list messages", err)
}
