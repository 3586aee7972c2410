// Package journal хранит в PostgreSQL журнал успешно отправленных партий списаний.
package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/stockout-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Batch описывает одну успешно отправленную партию списаний.
type Batch struct {
	SessionID     string
	OperatorID    string
	CustomerName  string
	CustomerPhone string
	PaymentMode   string
	Total         decimal.Decimal
	Lines         []model.CartLine
	SubmittedAt   time.Time
}

// BatchSummary — строка журнала для сверки за смену.
type BatchSummary struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id"`
	OperatorID    string          `json:"operator_id"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone"`
	PaymentMode   string          `json:"payment_mode"`
	Total         decimal.Decimal `json:"total"`
	Items         int             `json:"items"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// PostgresJournal предоставляет доступ к журналу партий в PostgreSQL.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal создаёт журнал и инициализирует схему БД через миграции.
func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
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

	j := &PostgresJournal{pool: pool}

	if err := j.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return j, nil
}

func (j *PostgresJournal) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(j.pool)
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

// Close закрывает пул соединений с БД.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

// RecordBatch записывает партию и её позиции одной транзакцией.
// Конфликты сериализации и дедлоки повторяются с растущей задержкой.
func (j *PostgresJournal) RecordBatch(ctx context.Context, b Batch) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := j.insertBatch(ctx, b)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func (j *PostgresJournal) insertBatch(ctx context.Context, b Batch) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var batchID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO stockout_batches
		   (session_id, operator_id, customer_name, customer_phone, payment_mode, total, items, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		b.SessionID, b.OperatorID, b.CustomerName, b.CustomerPhone,
		b.PaymentMode, b.Total.String(), len(b.Lines), b.SubmittedAt,
	).Scan(&batchID)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, l := range b.Lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO stockout_lines
			   (batch_id, seq, item_code, product_name, sku_code, quantity, mrp, sell_rate, discount, amount, points)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			batchID, l.ID, l.ItemCode, l.ProductName, l.SKUCode, l.Quantity,
			l.MRP.String(), l.SellRate.String(), l.Discount.String(),
			l.Amount.String(), l.Points.String(),
		)
		if err != nil {
			return fmt.Errorf("insert line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RecentBatches возвращает последние записанные партии, от новых к старым.
func (j *PostgresJournal) RecentBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, session_id, operator_id, customer_name, customer_phone, payment_mode, total, items, submitted_at
		 FROM stockout_batches
		 ORDER BY submitted_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer rows.Close()

	var res []BatchSummary
	for rows.Next() {
		var (
			s     BatchSummary
			total string
		)
		if err := rows.Scan(&s.ID, &s.SessionID, &s.OperatorID, &s.CustomerName,
			&s.CustomerPhone, &s.PaymentMode, &total, &s.Items, &s.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}

		s.Total, err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse total: %w", err)
		}

		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
