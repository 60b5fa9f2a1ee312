package tripbrief

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
	"github.com/yourfavoritecat/denied-sub000/pkg/dates"
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

const columns = `id, traveler_id, trip_name, destination, travel_start, travel_end, flexible_dates,
	procedures, is_group, group_members, budget_min, budget_max, currency, notes, status,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, b *TripBrief) error {
	procs, members, err := encodeLists(b)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO trip_briefs (
			id, traveler_id, trip_name, destination, travel_start, travel_end, flexible_dates,
			procedures, is_group, group_members, budget_min, budget_max, currency, notes, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		b.ID, b.TravelerID, b.TripName, b.Destination, b.TravelStart.TimePtr(), b.TravelEnd.TimePtr(), b.FlexibleDates,
		procs, b.IsGroup, members, b.BudgetMin, b.BudgetMax, b.Currency, b.Notes, b.Status,
		b.CreatedAt, b.UpdatedAt,
	)
	return db.Classify("insert trip brief", err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*TripBrief, error) {
	b, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+columns+` FROM trip_briefs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("trip brief", id)
	}
	return b, db.Classify("get trip brief", err)
}

func (r *repoPG) Update(ctx context.Context, b *TripBrief) error {
	procs, members, err := encodeLists(b)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE trip_briefs SET
			trip_name = $2, destination = $3, travel_start = $4, travel_end = $5,
			flexible_dates = $6, procedures = $7, is_group = $8, group_members = $9,
			budget_min = $10, budget_max = $11, currency = $12, notes = $13, updated_at = $14
		WHERE id = $1`,
		b.ID, b.TripName, b.Destination, b.TravelStart.TimePtr(), b.TravelEnd.TimePtr(),
		b.FlexibleDates, procs, b.IsGroup, members,
		b.BudgetMin, b.BudgetMax, b.Currency, b.Notes, b.UpdatedAt,
	)
	if err != nil {
		return db.Classify("update trip brief", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("trip brief", b.ID)
	}
	return nil
}

func (r *repoPG) ListForTraveler(ctx context.Context, travelerID string, limit, offset int) ([]*TripBrief, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM trip_briefs WHERE traveler_id = $1`, travelerID).Scan(&total)
	if err != nil {
		return nil, 0, db.Classify("count trip briefs", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+columns+` FROM trip_briefs
		WHERE traveler_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, travelerID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("list trip briefs", err)
	}
	defer rows.Close()
	var out []*TripBrief
	for rows.Next() {
		b, err := scan(rows)
		if err != nil {
			return nil, 0, db.Classify("list trip briefs", err)
		}
		out = append(out, b)
	}
	return out, total, db.Classify("list trip briefs", rows.Err())
}

func (r *repoPG) Advance(ctx context.Context, id uuid.UUID, from []Status, to Status) (*TripBrief, bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	b, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE trip_briefs SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+columns, id, states, to))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, id)
		return current, false, getErr
	}
	if err != nil {
		return nil, false, db.Classify("advance trip brief", err)
	}
	return b, true, nil
}

func encodeLists(b *TripBrief) ([]byte, []byte, error) {
	procs, err := json.Marshal(b.Procedures)
	if err != nil {
		return nil, nil, apperr.Validation("procedures", "%v", err)
	}
	members, err := json.Marshal(b.GroupMembers)
	if err != nil {
		return nil, nil, apperr.Validation("group_members", "%v", err)
	}
	return procs, members, nil
}

func scan(row pgx.Row) (*TripBrief, error) {
	var (
		b              TripBrief
		start, end     *time.Time
		procs, members []byte
	)
	err := row.Scan(
		&b.ID, &b.TravelerID, &b.TripName, &b.Destination, &start, &end, &b.FlexibleDates,
		&procs, &b.IsGroup, &members, &b.BudgetMin, &b.BudgetMax, &b.Currency, &b.Notes, &b.Status,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.TravelStart = dates.FromTimePtr(start)
	b.TravelEnd = dates.FromTimePtr(end)
	if err := json.Unmarshal(procs, &b.Procedures); err != nil {
		return nil, fmt.Errorf("decode procedures: %w", err)
	}
	if err := json.Unmarshal(members, &b.GroupMembers); err != nil {
		return nil, fmt.Errorf("decode group members: %w", err)
	}
	return &b, nil
}
