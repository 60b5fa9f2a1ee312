package notification

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
)

const DefaultMaxAttempts = 5

// Dispatcher records notification intents as outbox rows. It never returns an
// error to the caller: a failed write is logged, counted and rolled back to a
// savepoint so the caller's transaction survives.
type Dispatcher struct {
	repo        Repository
	templates   *TemplateEngine
	logger      zerolog.Logger
	maxAttempts int
	now         func() time.Time

	failures atomic.Int64
}

func NewDispatcher(repo Repository, templates *TemplateEngine, maxAttempts int, logger zerolog.Logger) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{
		repo:        repo,
		templates:   templates,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Enqueue writes the intent into the caller's transaction, if any.
func (d *Dispatcher) Enqueue(ctx context.Context, in Intent) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(in, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := in.Validate(); err != nil {
		d.fail(in, err)
		return
	}
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		return d.repo.Create(ctx, newFromIntent(in, d.maxAttempts, d.now().UTC()))
	})
	if err != nil {
		d.fail(in, err)
	}
}

// Notify renders templateID with data and enqueues the result.
func (d *Dispatcher) Notify(ctx context.Context, templateID, recipient, link string, data map[string]string) {
	title, body, typ, err := d.templates.Render(templateID, data)
	if err != nil {
		d.fail(Intent{Recipient: recipient, Link: link}, err)
		return
	}
	d.Enqueue(ctx, Intent{Recipient: recipient, Type: typ, Title: title, Body: body, Link: link})
}

// Failures returns how many intents could not be recorded.
func (d *Dispatcher) Failures() int64 {
	return d.failures.Load()
}

func (d *Dispatcher) fail(in Intent, err error) {
	d.failures.Add(1)
	d.logger.Error().Err(err).
		Str("recipient", in.Recipient).
		Str("type", string(in.Type)).
		Str("link", in.Link).
		Msg("failed to enqueue notification")
}
