package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ChronoSend/internal/metrics"
	"ChronoSend/internal/models"
)

// Sink records status transitions for later inspection. Implementations are
// best-effort: a failed audit write never aborts a delivery attempt.
type Sink interface {
	Record(ctx context.Context, emailID string, status models.EmailStatus, message string)
}

type PGSink struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPGSink(pool *pgxpool.Pool, log *zap.Logger) *PGSink {
	return &PGSink{pool: pool, log: log}
}

func (s *PGSink) Record(ctx context.Context, emailID string, status models.EmailStatus, message string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (email_id, status, message, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		emailID, status, message,
	)
	if err != nil {
		metrics.AuditFailures.Inc()
		s.log.Warn("audit write failed",
			zap.String("email_id", emailID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Nop swallows audit entries (tests, disabled auditing).
type Nop struct{}

func (Nop) Record(context.Context, string, models.EmailStatus, string) {}
