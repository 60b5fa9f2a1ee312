package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const columns = `id, booking_id, traveler_id, provider_id, trip_brief_id, procedures, is_group,
	group_members, travel_window, notes, contact_email, contact_phone, comparing_providers,
	request_type, status, responded_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, q *QuoteRequest) error {
	procs, err := json.Marshal(q.Procedures)
	if err != nil {
		return apperr.Validation("procedures", "%v", err)
	}
	members, err := json.Marshal(q.GroupMembers)
	if err != nil {
		return apperr.Validation("group_members", "%v", err)
	}
	window, err := json.Marshal(q.TravelWindow)
	if err != nil {
		return apperr.Validation("travel_window", "%v", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO quote_requests (
			id, booking_id, traveler_id, provider_id, trip_brief_id, procedures, is_group,
			group_members, travel_window, notes, contact_email, contact_phone, comparing_providers,
			request_type, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		q.ID, q.BookingID, q.TravelerID, q.ProviderID, q.TripBriefID, procs, q.IsGroup,
		members, window, q.Notes, q.ContactEmail, q.ContactPhone, q.ComparingProviders,
		q.RequestType, q.Status, q.CreatedAt, q.UpdatedAt,
	)
	return db.Classify("insert quote request", err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*QuoteRequest, error) {
	q, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+columns+` FROM quote_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("quote request", id)
	}
	return q, db.Classify("get quote request", err)
}

func (r *repoPG) ListForTraveler(ctx context.Context, travelerID string, limit, offset int) ([]*QuoteRequest, int, error) {
	return r.list(ctx, `traveler_id = $1`, travelerID, limit, offset)
}

func (r *repoPG) ListForProvider(ctx context.Context, providerID string, limit, offset int) ([]*QuoteRequest, int, error) {
	return r.list(ctx, `provider_id = $1`, providerID, limit, offset)
}

func (r *repoPG) list(ctx context.Context, where string, arg interface{}, limit, offset int) ([]*QuoteRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM quote_requests WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, db.Classify("count quote requests", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+columns+` FROM quote_requests WHERE `+where+` ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		arg, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("list quote requests", err)
	}
	out, err := collect(rows)
	return out, total, db.Classify("list quote requests", err)
}

func (r *repoPG) ListByTripBrief(ctx context.Context, briefID uuid.UUID) ([]*QuoteRequest, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+columns+` FROM quote_requests WHERE trip_brief_id = $1 ORDER BY created_at, id`, briefID)
	if err != nil {
		return nil, db.Classify("list quote requests for trip brief", err)
	}
	out, err := collect(rows)
	return out, db.Classify("list quote requests for trip brief", err)
}

func (r *repoPG) Advance(ctx context.Context, id uuid.UUID, from []Status, to Status, action string) (*QuoteRequest, error) {
	q, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE quote_requests SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+columns, id, statusStrings(from), to))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.InvalidTransition("quote request", action, string(current.Status)).To(string(to))
	}
	return q, db.Classify(action+" quote request", err)
}

func (r *repoPG) MarkResponded(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quote_requests SET status = $2, responded_at = NOW(), updated_at = NOW()
		WHERE booking_id = $1 AND status = $3`, bookingID, StatusResponded, StatusPending)
	if err != nil {
		return false, db.Classify("mark quote request responded", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) ExpirePending(ctx context.Context, cutoff time.Time) ([]*QuoteRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE quote_requests SET status = $1, updated_at = NOW()
		WHERE status = $2 AND created_at < $3
		RETURNING `+columns, StatusExpired, StatusPending, cutoff)
	if err != nil {
		return nil, db.Classify("expire quote requests", err)
	}
	out, err := collect(rows)
	return out, db.Classify("expire quote requests", err)
}

func (r *repoPG) SetTripBrief(ctx context.Context, id, briefID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quote_requests SET trip_brief_id = $2, updated_at = NOW()
		WHERE id = $1 AND (trip_brief_id IS NULL OR trip_brief_id = $2)`, id, briefID)
	if err != nil {
		return false, db.Classify("link quote request", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func scan(row pgx.Row) (*QuoteRequest, error) {
	var (
		q                      QuoteRequest
		procs, members, window []byte
	)
	err := row.Scan(
		&q.ID, &q.BookingID, &q.TravelerID, &q.ProviderID, &q.TripBriefID, &procs, &q.IsGroup,
		&members, &window, &q.Notes, &q.ContactEmail, &q.ContactPhone, &q.ComparingProviders,
		&q.RequestType, &q.Status, &q.RespondedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(procs, &q.Procedures); err != nil {
		return nil, fmt.Errorf("decode procedures: %w", err)
	}
	if err := json.Unmarshal(members, &q.GroupMembers); err != nil {
		return nil, fmt.Errorf("decode group members: %w", err)
	}
	if len(window) > 0 {
		if err := json.Unmarshal(window, &q.TravelWindow); err != nil {
			return nil, fmt.Errorf("decode travel window: %w", err)
		}
	}
	return &q, nil
}

func collect(rows pgx.Rows) ([]*QuoteRequest, error) {
	defer rows.Close()
	var out []*QuoteRequest
	for rows.Next() {
		q, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
