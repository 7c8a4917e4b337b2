package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// OutboxRepository — очередь изменений для Keycloak (таблица directory_outbox).
//
// Запись доступна для обработки, если она pending, срок next_attempt_at наступил
// и у того же агрегата нет более ранней pending-записи. Захват продлевает
// next_attempt_at на время аренды, чтобы параллельный обработчик её не взял.
type OutboxRepository interface {
	// Enqueue добавляет запись. ID (ULID) задаёт вызывающий.
	Enqueue(ctx context.Context, e *model.OutboxEntry) error
	// ClaimDue захватывает до limit доступных записей в порядке ID.
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEntry, error)
	// ClaimByID захватывает конкретную запись; ErrNotFound, если она недоступна.
	ClaimByID(ctx context.Context, id string, lease time.Duration) (*model.OutboxEntry, error)
	MarkDone(ctx context.Context, id string) error
	// MarkRetry откладывает запись до next.
	MarkRetry(ctx context.Context, id, lastError string, next time.Time) error
	// MarkFailed переводит запись в failed; она больше не блокирует агрегат.
	MarkFailed(ctx context.Context, id, lastError string) error
	Stats(ctx context.Context) (model.OutboxStats, error)
}

type outboxRepo struct {
	db DBTX
}

// NewOutboxRepository создаёт репозиторий очереди directory_outbox.
func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepo{db: db}
}

const outboxColumns = `id, operation, aggregate_id, payload, status, attempts, last_error,
	next_attempt_at, processed_at, created_at, updated_at`

// outboxAvailable — условие доступности записи o для захвата.
const outboxAvailable = `o.status = 'pending' AND o.next_attempt_at <= NOW()
	AND NOT EXISTS (
		SELECT 1 FROM directory_outbox prev
		WHERE prev.aggregate_id = o.aggregate_id
		  AND prev.status = 'pending'
		  AND prev.id < o.id)`

func scanOutbox(row rowScanner) (*model.OutboxEntry, error) {
	e := &model.OutboxEntry{}
	var payload []byte
	err := row.Scan(
		&e.ID, &e.Operation, &e.AggregateID, &payload, &e.Status, &e.Attempts, &e.LastError,
		&e.NextAttemptAt, &e.ProcessedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("некорректный payload записи %s: %w", e.ID, err)
	}
	return e, nil
}

func (r *outboxRepo) Enqueue(ctx context.Context, e *model.OutboxEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации payload: %w", err)
	}
	if e.Status == "" {
		e.Status = model.OutboxPending
	}

	query := `
		INSERT INTO directory_outbox (id, operation, aggregate_id, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING next_attempt_at, created_at, updated_at`

	err = r.db.QueryRow(ctx, query, e.ID, e.Operation, e.AggregateID, payload, e.Status).
		Scan(&e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "ошибка добавления записи в очередь")
	}
	return nil
}

func (r *outboxRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEntry, error) {
	query := fmt.Sprintf(`
		UPDATE directory_outbox SET next_attempt_at = NOW() + make_interval(secs => $2)
		WHERE id IN (
			SELECT o.id FROM directory_outbox o
			WHERE %s
			ORDER BY o.id
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING %s`, outboxAvailable, outboxColumns)

	rows, err := r.db.Query(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата записей очереди: %w", err)
	}
	defer rows.Close()

	var result []*model.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи очереди: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING не гарантирует порядок
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *outboxRepo) ClaimByID(ctx context.Context, id string, lease time.Duration) (*model.OutboxEntry, error) {
	query := fmt.Sprintf(`
		UPDATE directory_outbox o SET next_attempt_at = NOW() + make_interval(secs => $2)
		WHERE o.id = $1 AND %s
		RETURNING %s`, outboxAvailable, outboxColumns)

	e, err := scanOutbox(r.db.QueryRow(ctx, query, id, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка захвата записи очереди: %w", err)
	}
	return e, nil
}

func (r *outboxRepo) MarkDone(ctx context.Context, id string) error {
	return r.exec(ctx, "ошибка завершения записи очереди", `
		UPDATE directory_outbox
		SET status = 'done', attempts = attempts + 1, last_error = NULL, processed_at = NOW()
		WHERE id = $1`, id)
}

func (r *outboxRepo) MarkRetry(ctx context.Context, id, lastError string, next time.Time) error {
	return r.exec(ctx, "ошибка переноса записи очереди", `
		UPDATE directory_outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1`, id, lastError, next)
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id, lastError string) error {
	return r.exec(ctx, "ошибка перевода записи очереди в failed", `
		UPDATE directory_outbox
		SET status = 'failed', attempts = attempts + 1, last_error = $2, processed_at = NOW()
		WHERE id = $1`, id, lastError)
}

func (r *outboxRepo) exec(ctx context.Context, what, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *outboxRepo) Stats(ctx context.Context) (model.OutboxStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM directory_outbox`

	var s model.OutboxStats
	if err := r.db.QueryRow(ctx, query).Scan(&s.Pending, &s.Failed, &s.OldestPendingAt); err != nil {
		return s, fmt.Errorf("ошибка получения статистики очереди: %w", err)
	}
	return s, nil
}
