// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrValidation — нарушено ограничение CHECK или NOT NULL.
	ErrValidation = errors.New("нарушено ограничение целостности")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Store — набор репозиториев поверх одного подключения или транзакции.
type Store interface {
	Users() UserRepository
	Roles() RoleRepository
	Permissions() PermissionRepository
	Assignments() AssignmentRepository
	Outbox() OutboxRepository
	SyncState() SyncStateRepository
	// RunInTx выполняет fn со Store, привязанным к транзакции.
	// Вложенный вызов внутри транзакции выполняет fn в той же транзакции.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// pgStore — реализация Store на pgx.
type pgStore struct {
	db       DBTX
	txRunner *TxRunner
}

// NewStore создаёт Store поверх пула подключений.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{db: pool, txRunner: NewTxRunner(pool)}
}

func (s *pgStore) Users() UserRepository             { return NewUserRepository(s.db) }
func (s *pgStore) Roles() RoleRepository             { return NewRoleRepository(s.db) }
func (s *pgStore) Permissions() PermissionRepository { return NewPermissionRepository(s.db) }
func (s *pgStore) Assignments() AssignmentRepository { return NewAssignmentRepository(s.db) }
func (s *pgStore) Outbox() OutboxRepository          { return NewOutboxRepository(s.db) }
func (s *pgStore) SyncState() SyncStateRepository    { return NewSyncStateRepository(s.db) }

func (s *pgStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if s.txRunner == nil {
		return fn(s)
	}
	return s.txRunner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgStore{db: tx})
	})
}

// rowScanner — общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.UniqueViolation
}

// pgErrorCode возвращает SQLSTATE ошибки PostgreSQL или пустую строку.
func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapWriteError переводит ошибки записи PostgreSQL в ошибки репозитория.
// what — описание операции для сообщения.
func mapWriteError(err error, what string) error {
	switch pgErrorCode(err) {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%s: %w", what, ErrConflict)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%s: связанная запись не найдена: %w", what, ErrNotFound)
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return fmt.Errorf("%s: %w", what, ErrValidation)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}
