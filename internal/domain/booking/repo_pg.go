package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
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

const columns = `id, traveler_id, provider_id, procedures, preferred_dates, inquiry_message,
	medical_notes, status, currency, quoted_price, deposit_percent, deposit_amount,
	provider_message, estimated_dates, trip_brief_id, origin, quote_request_id,
	checkout_session_id, last_message_seq, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, b *Booking) error {
	procs, err := json.Marshal(b.Procedures)
	if err != nil {
		return apperr.Validation("procedures", "%v", err)
	}
	window, err := json.Marshal(b.PreferredDates)
	if err != nil {
		return apperr.Validation("preferred_dates", "%v", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO bookings (
			id, traveler_id, provider_id, procedures, preferred_dates, inquiry_message,
			medical_notes, status, currency, trip_brief_id, origin, quote_request_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.TravelerID, b.ProviderID, procs, window, b.InquiryMessage,
		b.MedicalNotes, b.Status, b.Currency, b.TripBriefID, b.Origin, b.QuoteRequestID,
		b.CreatedAt, b.UpdatedAt,
	)
	return db.Classify("insert booking", err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+columns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("booking", id)
	}
	return b, db.Classify("get booking", err)
}

func (r *repoPG) ListForTraveler(ctx context.Context, travelerID string, limit, offset int) ([]*Booking, int, error) {
	return r.list(ctx, `traveler_id = $1`, travelerID, limit, offset)
}

func (r *repoPG) ListForProvider(ctx context.Context, providerID string, limit, offset int) ([]*Booking, int, error) {
	return r.list(ctx, `provider_id = $1`, providerID, limit, offset)
}

func (r *repoPG) list(ctx context.Context, where string, arg interface{}, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, db.Classify("count bookings", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+columns+` FROM bookings WHERE `+where+` ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		arg, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("list bookings", err)
	}
	out, err := collect(rows)
	return out, total, db.Classify("list bookings", err)
}

func (r *repoPG) Apply(ctx context.Context, t Transition) (*Booking, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	p := t.Patch
	b, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE bookings SET
			status = $3,
			quoted_price = COALESCE($4, quoted_price),
			deposit_percent = COALESCE($5, deposit_percent),
			deposit_amount = COALESCE($6, deposit_amount),
			provider_message = COALESCE($7, provider_message),
			estimated_dates = COALESCE($8, estimated_dates),
			checkout_session_id = CASE WHEN $10::boolean THEN NULL
				ELSE COALESCE($9, checkout_session_id) END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
			AND ($11::text = '' OR checkout_session_id = $11::text)
		RETURNING `+columns,
		t.ID, from, t.To, p.QuotedPrice, p.DepositPercent, p.DepositAmount,
		p.ProviderMessage, p.EstimatedDates, p.CheckoutSessionID, p.ClearCheckoutSession, t.Session))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, t.ID)
		if getErr != nil {
			return nil, getErr
		}
		if t.Session != "" && allowed(current.Status, t.From) {
			return nil, staleCheckout()
		}
		return nil, apperr.InvalidTransition("booking", t.Action, string(current.Status)).To(string(t.To))
	}
	return b, db.Classify(fmt.Sprintf("%s booking", t.Action), err)
}

func (r *repoPG) SetCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string, deposit money.Amount) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bookings SET checkout_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND deposit_amount = $4`,
		id, sessionID, StatusQuoted, deposit)
	if err != nil {
		return db.Classify("record checkout session", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return checkoutConflict(current)
	}
	return nil
}

func (r *repoPG) SetTripBrief(ctx context.Context, id, briefID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE bookings SET trip_brief_id = $2, updated_at = NOW() WHERE id = $1`, id, briefID)
	if err != nil {
		return db.Classify("link booking to trip brief", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("booking", id)
	}
	return nil
}

func scan(row pgx.Row) (*Booking, error) {
	var (
		b             Booking
		procs, window []byte
	)
	err := row.Scan(
		&b.ID, &b.TravelerID, &b.ProviderID, &procs, &window, &b.InquiryMessage,
		&b.MedicalNotes, &b.Status, &b.Currency, &b.QuotedPrice, &b.DepositPercent, &b.DepositAmount,
		&b.ProviderMessage, &b.EstimatedDates, &b.TripBriefID, &b.Origin, &b.QuoteRequestID,
		&b.CheckoutSessionID, &b.LastMessageSeq, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(procs, &b.Procedures); err != nil {
		return nil, fmt.Errorf("decode procedures: %w", err)
	}
	if len(window) > 0 {
		if err := json.Unmarshal(window, &b.PreferredDates); err != nil {
			return nil, fmt.Errorf("decode preferred dates: %w", err)
		}
	}
	return &b, nil
}

func collect(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type providersPG struct {
	pool *pgxpool.Pool
}

// NewProviderDirectory reads the providers table.
func NewProviderDirectory(pool *pgxpool.Pool) ProviderDirectory {
	return &providersPG{pool: pool}
}

func (r *providersPG) GetProvider(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, owner_user_id, active FROM providers WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.OwnerUserID, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("provider", id)
	}
	if err != nil {
		return nil, db.Classify("get provider", err)
	}
	return &p, nil
}

func (r *providersPG) ProviderIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT id FROM providers WHERE owner_user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, db.Classify("list providers for user", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, db.Classify("list providers for user", err)
}
