// Package repository содержит реализацию хранилища баллов и транзакций обмена.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pointshop/internal/ids"
	"github.com/mmeshcher/pointshop/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списания, превышающего баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTransactionNotFound возвращается, если транзакция обмена не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrStatusTransition возвращается при попытке изменить статус уже рассмотренной транзакции.
	ErrStatusTransition = errors.New("transaction already reviewed")
	// ErrInvalidAmount возвращается при неположительном количестве баллов.
	ErrInvalidAmount = errors.New("points must be positive")
)

// pgxPool описывает подмножество методов pgxpool.Pool, используемых репозиторием.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Баланс равен сумме начислений минус списания по транзакциям, которые не были отклонены.
// Отклонение транзакции тем самым возвращает баллы пользователю.
const balanceQuery = `SELECT
	COALESCE((SELECT SUM(points) FROM point_credits WHERE user_id = $1), 0) -
	COALESCE((SELECT SUM(points_spent) FROM redemptions WHERE user_id = $1 AND status <> 'rejected'), 0)`

const redemptionColumns = `id, user_id, product_id, points_spent, monetary_price::text, contact_email, status, created_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool       pgxPool
	retryDelay time.Duration
	maxRetries uint64
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return newPostgresRepository(pool), nil
}

func newPostgresRepository(pool pgxPool) *PostgresRepository {
	return &PostgresRepository{
		pool:       pool,
		retryDelay: 500 * time.Millisecond,
		maxRetries: 3,
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации и взаимоблокировках: в этих случаях
// транзакция гарантированно откатена. Ошибки соединения повторяются только для
// операций чтения (readOnly), иначе результат коммита неизвестен.
func (r *PostgresRepository) withRetry(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewFibonacci(r.retryDelay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if readOnly && isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertUser сохраняет пользователя или обновляет его профиль.
func (r *PostgresRepository) UpsertUser(ctx context.Context, identity model.Identity) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, avatar_url) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url, updated_at = now()`,
		identity.ID, identity.DisplayName, identity.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser возвращает сохранённый профиль пользователя.
func (r *PostgresRepository) GetUser(ctx context.Context, userID string) (*model.Identity, error) {
	var u model.Identity
	err := r.withRetry(ctx, true, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT id, display_name, avatar_url FROM users WHERE id = $1`,
			userID,
		).Scan(&u.ID, &u.DisplayName, &u.AvatarURL)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetBalance возвращает текущий баланс пользователя в баллах.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.withRetry(ctx, true, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, balanceQuery, userID).Scan(&balance)
	})
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CreditPoints начисляет баллы пользователю.
func (r *PostgresRepository) CreditPoints(ctx context.Context, userID string, points int64, reason string) error {
	if points <= 0 {
		return ErrInvalidAmount
	}

	return r.withRetry(ctx, false, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
			userID,
		); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO point_credits (user_id, points, reason) VALUES ($1, $2, $3)`,
			userID, points, reason,
		); err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// RecordRedemption атомарно проверяет баланс, списывает баллы и создаёт запись о транзакции.
// Строка пользователя блокируется до конца транзакции, поэтому параллельные списания одного
// пользователя выполняются последовательно и не могут в сумме превысить баланс.
// Возвращает транзакцию с идентификатором и временем создания, присвоенными хранилищем.
func (r *PostgresRepository) RecordRedemption(ctx context.Context, rt model.RedemptionTransaction) (*model.RedemptionTransaction, error) {
	if rt.PointsSpent <= 0 {
		return nil, ErrInvalidAmount
	}

	var created model.RedemptionTransaction
	err := r.withRetry(ctx, false, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, rt.UserID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		var balance int64
		if err := tx.QueryRow(ctx, balanceQuery, rt.UserID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if rt.PointsSpent > balance {
			return ErrInsufficientBalance
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO redemptions (id, user_id, product_id, points_spent, monetary_price, contact_email, status)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
			 RETURNING `+redemptionColumns,
			ids.New(), rt.UserID, rt.ProductID, rt.PointsSpent, rt.MonetaryPrice.String(), rt.ContactEmail,
			string(model.TransactionStatusPending),
		)
		res, err := scanRedemption(row)
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		created = *res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &created, nil
}

// GetHistory возвращает историю обменов пользователя, от новых к старым.
func (r *PostgresRepository) GetHistory(ctx context.Context, userID string) (model.ExpenditureHistory, error) {
	var history model.ExpenditureHistory
	err := r.withRetry(ctx, true, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT `+redemptionColumns+`
			 FROM redemptions
			 WHERE user_id = $1
			 ORDER BY created_at DESC, id DESC`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("select redemptions: %w", err)
		}
		defer rows.Close()

		history = history[:0]
		for rows.Next() {
			rt, err := scanRedemption(rows)
			if err != nil {
				return fmt.Errorf("scan redemption: %w", err)
			}
			history = append(history, *rt)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return history, nil
}

// AttachReviewMessage связывает транзакцию с сообщением на площадке проверки.
func (r *PostgresRepository) AttachReviewMessage(ctx context.Context, transactionID, messageID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE redemptions SET review_message_id = $2 WHERE id = $1 AND review_message_id IS NULL`,
		transactionID, messageID,
	)
	if err != nil {
		return fmt.Errorf("attach review message: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateStatus переводит транзакцию из pending-approval в итоговый статус.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, transactionID string, status model.TransactionStatus) (*model.RedemptionTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE redemptions SET status = $2, reviewed_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING `+redemptionColumns,
		transactionID, string(status), string(model.TransactionStatusPending),
	)
	rt, err := scanRedemption(row)
	if err == nil {
		return rt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update status: %w", err)
	}

	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM redemptions WHERE id = $1`, transactionID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("select status: %w", err)
	}
	return nil, fmt.Errorf("%w: status is %s", ErrStatusTransition, current)
}

func scanRedemption(row pgx.Row) (*model.RedemptionTransaction, error) {
	var (
		rt     model.RedemptionTransaction
		price  string
		status string
	)
	if err := row.Scan(&rt.ID, &rt.UserID, &rt.ProductID, &rt.PointsSpent, &price, &rt.ContactEmail, &status, &rt.CreatedAt); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse monetary price: %w", err)
	}
	rt.MonetaryPrice = amount
	rt.Status = model.TransactionStatus(status)
	return &rt, nil
}
