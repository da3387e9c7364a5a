package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ChronoSend/internal/models"
)

var ErrNotFound = errors.New("email not found")

// Store is the durable record store for scheduled emails. Every status
// transition is a single atomic row write; the worker never reports an outcome
// to the queue before the corresponding row is persisted.
type Store struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Create persists a new email in status pending. When a dedupe key is supplied
// and an email with that key already exists, the existing row is loaded into e
// and created=false is returned; a second submission is never an error.
func (s *Store) Create(ctx context.Context, e *models.Email) (bool, error) {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return false, fmt.Errorf("marshal payload data: %w", err)
	}

	e.ID = uuid.NewString()
	e.Status = models.StatusPending

	q := s.sb.
		Insert("emails").
		Columns("id", "owner_id", "to_email", "subject", "template", "data",
			"scheduled_at", "status", "attempts", "dedupe_key", "created_at", "updated_at").
		Values(e.ID, e.OwnerID, e.To, e.Subject, e.Template, dataJSON,
			e.ScheduledAt.UTC(), e.Status, 0, e.DedupeKey, sq.Expr("NOW()"), sq.Expr("NOW()")).
		Suffix("ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING RETURNING created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	err = s.pool.QueryRow(ctx, sqlStr, args...).Scan(&e.CreatedAt)
	if err == nil {
		e.UpdatedAt = e.CreatedAt
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("insert email: %w", err)
	}

	// Conflict on dedupe_key: hand back the existing row.
	existing, err := s.GetByDedupeKey(ctx, *e.DedupeKey)
	if err != nil {
		return false, err
	}
	*e = *existing
	return false, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.Email, error) {
	return s.getOne(ctx, sq.Eq{"id": id})
}

func (s *Store) GetByDedupeKey(ctx context.Context, key string) (*models.Email, error) {
	return s.getOne(ctx, sq.Eq{"dedupe_key": key})
}

func (s *Store) getOne(ctx context.Context, pred interface{}) (*models.Email, error) {
	q := s.selectEmails().Where(pred).Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query email: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query email: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanEmail(rows)
}

// ListNonTerminal returns every email still owed an outcome (pending, deferred
// or processing), ordered by scheduled_at ascending, optionally restricted to
// schedules before the given cutoff. Recovery replays these.
func (s *Store) ListNonTerminal(ctx context.Context, before *time.Time) ([]*models.Email, error) {
	q := s.selectEmails().
		Where(sq.Eq{"status": []models.EmailStatus{
			models.StatusPending, models.StatusDeferred, models.StatusProcessing,
		}}).
		OrderBy("scheduled_at ASC", "id ASC")
	if before != nil {
		q = q.Where(sq.Lt{"scheduled_at": before.UTC()})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select non-terminal: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal: %w", err)
	}
	defer rows.Close()

	var out []*models.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate non-terminal: %w", err)
	}
	return out, nil
}

// MarkProcessing claims an email for one attempt. The status predicate makes
// the claim a single check-and-set: a second worker, or a run against a
// cancelled email, gets false and must walk away.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	q := s.sb.
		Update("emails").
		Set("status", models.StatusProcessing).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": []models.EmailStatus{models.StatusPending, models.StatusDeferred}})

	tag, err := s.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag > 0, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, attempts int) error {
	q := s.sb.
		Update("emails").
		Set("status", models.StatusSent).
		Set("attempts", attempts).
		Set("last_error", nil).
		Set("executed_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	tag, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	q := s.sb.
		Update("emails").
		Set("status", models.StatusFailed).
		Set("attempts", attempts).
		Set("last_error", lastError).
		Set("executed_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	tag, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeferred records a transient outcome and moves scheduled_at to the next
// eligible time, so a restart in between recomputes the right delay.
func (s *Store) MarkDeferred(ctx context.Context, id string, runAt time.Time, attempts int, lastError string) error {
	q := s.sb.
		Update("emails").
		Set("status", models.StatusDeferred).
		Set("scheduled_at", runAt.UTC()).
		Set("attempts", attempts).
		Set("last_error", lastError).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	tag, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("mark deferred: %w", err)
	}
	if tag == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel transitions pending/deferred to cancelled. Emails already being
// attempted, or already terminal, are not cancellable.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	q := s.sb.
		Update("emails").
		Set("status", models.StatusCancelled).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": []models.EmailStatus{models.StatusPending, models.StatusDeferred}})

	tag, err := s.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	return tag > 0, nil
}

// SweepStaleProcessing flips processing rows untouched for longer than
// olderThan back to pending. A crash mid-attempt leaves rows in processing;
// without the sweep they would never be retried.
func (s *Store) SweepStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	q := s.sb.
		Update("emails").
		Set("status", models.StatusPending).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"status": models.StatusProcessing}).
		Where(sq.Expr("updated_at < NOW() - (? * INTERVAL '1 second')", int64(olderThan.Seconds())))

	tag, err := s.exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("sweep stale processing: %w", err)
	}
	return tag, nil
}

func (s *Store) exec(ctx context.Context, q sq.UpdateBuilder) (int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) selectEmails() sq.SelectBuilder {
	return s.sb.
		Select("id", "owner_id", "to_email", "subject", "template", "data",
			"scheduled_at", "status", "attempts", "last_error", "dedupe_key",
			"executed_at", "created_at", "updated_at").
		From("emails")
}

func scanEmail(rows pgx.Rows) (*models.Email, error) {
	var (
		e         models.Email
		data      []byte
		lastError pgtype.Text
		dedupeKey pgtype.Text
		executedAt    pgtype.Timestamptz
	)

	if err := rows.Scan(
		&e.ID, &e.OwnerID, &e.To, &e.Subject, &e.Template, &data,
		&e.ScheduledAt, &e.Status, &e.Attempts, &lastError, &dedupeKey,
		&executedAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal payload data: %w", err)
		}
	}
	if lastError.Valid {
		e.LastError = lastError.String
	}
	if dedupeKey.Valid {
		k := dedupeKey.String
		e.DedupeKey = &k
	}
	if executedAt.Valid {
		t := executedAt.Time
		e.ExecutedAt = &t
	}
	return &e, nil
}
