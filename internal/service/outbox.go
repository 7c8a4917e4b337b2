// outbox.go — доставка изменений в Keycloak через очередь directory_outbox.
//
// Изменение записывается в очередь в той же транзакции, что и локальные данные.
// После фиксации запись отправляется сразу (Dispatch); при ошибке её подбирает
// фоновый OutboxWorker по ticker (US_OUTBOX_DRAIN_INTERVAL).
//
// Повторные попытки: экспоненциальная задержка 1s·2^n, не более 15m.
// После US_OUTBOX_MAX_ATTEMPTS запись переводится в failed.
//
// Prometheus-метрики:
//   - us_outbox_drain_duration_seconds — длительность прохода очереди
//   - us_outbox_entries_total{operation,result} — обработанные записи
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

var (
	outboxDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "us_outbox_drain_duration_seconds",
		Help:    "Длительность прохода очереди изменений для Keycloak",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	})
	outboxEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "us_outbox_entries_total",
		Help: "Обработанные записи очереди изменений для Keycloak",
	}, []string{"operation", "result"})
)

const (
	// outboxLease — на сколько захваченная запись скрывается от других обработчиков.
	outboxLease = 2 * time.Minute
	// maxDrainPasses — предел проходов в одном DrainNow.
	maxDrainPasses = 50

	baseBackoff = time.Second
	maxBackoff  = 15 * time.Minute
)

// backoff возвращает задержку перед попыткой номер attempt+1.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 11 {
		return maxBackoff
	}
	return min(baseBackoff<<(attempt-1), maxBackoff)
}

// enqueue добавляет запись в очередь в рамках транзакции tx.
func enqueue(
	ctx context.Context,
	tx repository.Store,
	op model.OutboxOperation,
	aggregateID string,
	payload model.OutboxPayload,
) (*model.OutboxEntry, error) {
	e := &model.OutboxEntry{
		ID:          ulid.Make().String(),
		Operation:   op,
		AggregateID: aggregateID,
		Payload:     payload,
	}
	if err := tx.Outbox().Enqueue(ctx, e); err != nil {
		return nil, translate(err, "запись изменения в очередь")
	}
	return e, nil
}

// OutboxWorker — обработчик очереди изменений для Keycloak.
type OutboxWorker struct {
	store       repository.Store
	sync        *DirectorySync
	limiter     *rate.Limiter
	batchSize   int
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutboxWorker создаёт обработчик очереди.
// ratePerSec — предел запросов к Keycloak в секунду (<= 0 — без ограничения).
func NewOutboxWorker(
	store repository.Store,
	sync *DirectorySync,
	batchSize, maxAttempts int,
	ratePerSec float64,
	interval time.Duration,
	logger *slog.Logger,
) *OutboxWorker {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), max(1, int(ratePerSec)))
	}

	return &OutboxWorker{
		store:       store,
		sync:        sync,
		limiter:     limiter,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		interval:    interval,
		logger:      logger.With(slog.String("component", "outbox_worker")),
	}
}

// Start запускает фоновую горутину с периодическим проходом очереди.
func (w *OutboxWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		w.logger.Info("Обработка очереди изменений запущена",
			slog.String("interval", w.interval.String()),
			slog.Int("batch_size", w.batchSize),
		)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Обработка очереди изменений остановлена")
				return
			case <-ticker.C:
				result, err := w.DrainNow(ctx)
				if err != nil {
					w.logger.Error("Ошибка прохода очереди изменений",
						slog.String("error", err.Error()),
					)
					continue
				}
				if result.Claimed > 0 {
					w.logger.Info("Проход очереди изменений завершён",
						slog.Int("claimed", result.Claimed),
						slog.Int("delivered", result.Delivered),
						slog.Int("retried", result.Retried),
						slog.Int("failed", result.Failed),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (w *OutboxWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// DrainNow обрабатывает все доступные записи очереди.
// Проходы повторяются, пока есть доступные записи: следующая запись агрегата
// становится доступной только после обработки предыдущей.
func (w *OutboxWorker) DrainNow(ctx context.Context) (*model.DrainResult, error) {
	result := &model.DrainResult{StartedAt: time.Now().UTC()}

	for pass := 0; pass < maxDrainPasses; pass++ {
		entries, err := w.store.Outbox().ClaimDue(ctx, w.batchSize, outboxLease)
		if err != nil {
			return nil, fmt.Errorf("захват записей очереди: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		result.Claimed += len(entries)
		for _, e := range entries {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.process(ctx, e, result)
		}
	}

	result.CompletedAt = time.Now().UTC()
	outboxDrainDuration.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())

	if err := w.store.SyncState().UpdateOutboxDrainAt(ctx, result.CompletedAt); err != nil {
		w.logger.Warn("Ошибка обновления last_outbox_drain_at", slog.String("error", err.Error()))
	}

	return result, nil
}

// Dispatch немедленно доставляет запись id.
// Запись, занятую другим обработчиком или ожидающую более раннюю запись
// того же агрегата, пропускает: её доставит фоновый проход.
// Возвращает ошибку доставки; запись при этом уже отложена или переведена в failed.
func (w *OutboxWorker) Dispatch(ctx context.Context, id string) error {
	e, err := w.store.Outbox().ClaimByID(ctx, id, outboxLease)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("захват записи очереди: %w", err)
	}

	return w.process(ctx, e, &model.DrainResult{})
}

// process применяет запись и фиксирует результат.
func (w *OutboxWorker) process(ctx context.Context, e *model.OutboxEntry, result *model.DrainResult) error {
	if err := w.limiter.Wait(ctx); err != nil {
		// Аренда истечёт, запись будет взята повторно
		return err
	}

	op := string(e.Operation)
	applyErr := w.apply(ctx, e)
	if applyErr == nil {
		if err := w.store.Outbox().MarkDone(ctx, e.ID); err != nil {
			w.logger.Error("Ошибка завершения записи очереди",
				slog.String("id", e.ID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		result.Delivered++
		outboxEntries.WithLabelValues(op, "delivered").Inc()
		return nil
	}

	attempts := e.Attempts + 1
	if attempts >= w.maxAttempts {
		if err := w.store.Outbox().MarkFailed(ctx, e.ID, applyErr.Error()); err != nil {
			w.logger.Error("Ошибка перевода записи очереди в failed",
				slog.String("id", e.ID),
				slog.String("error", err.Error()),
			)
		}
		result.Failed++
		outboxEntries.WithLabelValues(op, "failed").Inc()
		w.logger.Error("Изменение не доставлено в Keycloak, попытки исчерпаны",
			slog.String("id", e.ID),
			slog.String("operation", op),
			slog.String("aggregate_id", e.AggregateID),
			slog.Int("attempts", attempts),
			slog.String("error", applyErr.Error()),
		)
		return applyErr
	}

	next := time.Now().UTC().Add(backoff(attempts))
	if err := w.store.Outbox().MarkRetry(ctx, e.ID, applyErr.Error(), next); err != nil {
		w.logger.Error("Ошибка переноса записи очереди",
			slog.String("id", e.ID),
			slog.String("error", err.Error()),
		)
	}
	result.Retried++
	outboxEntries.WithLabelValues(op, "retried").Inc()
	w.logger.Warn("Изменение не доставлено в Keycloak, повтор запланирован",
		slog.String("id", e.ID),
		slog.String("operation", op),
		slog.String("aggregate_id", e.AggregateID),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", applyErr.Error()),
	)
	return applyErr
}

// apply выполняет операцию записи в Keycloak.
// Пользователь и роль перечитываются из БД: в Keycloak уходит актуальное состояние.
func (w *OutboxWorker) apply(ctx context.Context, e *model.OutboxEntry) error {
	p := e.Payload

	switch e.Operation {
	case model.OutboxUserUpdate:
		user, err := w.store.Users().GetByID(ctx, p.UserID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return w.sync.UpdateDirectoryUser(ctx, user)

	case model.OutboxUserDelete:
		return w.sync.DeleteDirectoryUser(ctx, p.DirectoryUserID)

	case model.OutboxUserRoleAdd:
		names, err := w.roleNames(ctx, p)
		if err != nil {
			return err
		}
		for _, name := range names {
			err = w.sync.AssignDirectoryRole(ctx, p.DirectoryUserID, name)
			if !errors.Is(err, keycloak.ErrNotFound) {
				return err
			}
		}
		return err

	case model.OutboxUserRoleRemove:
		names, err := w.roleNames(ctx, p)
		if err != nil {
			return err
		}
		for _, name := range names {
			err = w.sync.RemoveDirectoryRole(ctx, p.DirectoryUserID, name)
			if !errors.Is(err, keycloak.ErrNotFound) {
				return err
			}
		}
		w.logger.Warn("Роль не найдена в Keycloak, снятие пропущено",
			slog.String("id", e.ID),
			slog.String("aggregate_id", e.AggregateID),
			slog.Any("roles", names),
		)
		return nil

	case model.OutboxRoleUpsert:
		role, err := w.store.Roles().GetByID(ctx, p.RoleID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return w.sync.UpdateDirectoryRole(ctx, role, p.PreviousRoleName)

	case model.OutboxRoleDelete:
		return w.sync.DeleteDirectoryRole(ctx, p.RoleName)
	}

	return fmt.Errorf("неизвестная операция очереди: %s", e.Operation)
}

// roleNames возвращает имена, под которыми роль записи может быть известна
// в Keycloak: сначала текущее локальное имя, затем имя на момент постановки
// в очередь. Роль могли переименовать, пока запись ждала доставки.
func (w *OutboxWorker) roleNames(ctx context.Context, p model.OutboxPayload) ([]string, error) {
	if p.RoleID == "" {
		return []string{p.RoleName}, nil
	}
	role, err := w.store.Roles().GetByID(ctx, p.RoleID)
	if errors.Is(err, repository.ErrNotFound) {
		return []string{p.RoleName}, nil
	}
	if err != nil {
		return nil, err
	}
	if role.Name == p.RoleName || p.RoleName == "" {
		return []string{role.Name}, nil
	}
	return []string{role.Name, p.RoleName}, nil
}
