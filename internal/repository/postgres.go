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

	"github.com/mmeshcher/cbbpay-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore хранит заказы в PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт хранилище и инициализирует схему БД через миграции.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
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

	s := &PostgresStore{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
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

// withRetry повторяет операцию при сериализационных конфликтах, дедлоках и
// сетевых сбоях соединения с БД.
func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const orderColumns = `id, trade_no, out_trade_no, good_name, amount, status, pay_url, refund_request_no, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.TradeNo, &o.OutTradeNo, &o.GoodName, &o.Amount,
		&status, &o.PayURL, &o.RefundRequestNo, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// Get возвращает заказ по локальному идентификатору.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Order, error) {
	var order *model.Order
	err := s.withRetry(ctx, func() error {
		var err error
		order, err = scanOrder(s.pool.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
		return err
	})
	return order, err
}

// Upsert сохраняет заказ целиком, заменяя предыдущую версию.
func (s *PostgresStore) Upsert(ctx context.Context, order *model.Order) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO orders (id, trade_no, out_trade_no, good_name, amount, status, pay_url, refund_request_no, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			   trade_no = EXCLUDED.trade_no,
			   status = EXCLUDED.status,
			   pay_url = EXCLUDED.pay_url,
			   refund_request_no = EXCLUDED.refund_request_no`,
			order.ID, order.TradeNo, order.OutTradeNo, order.GoodName, order.Amount,
			string(order.Status), order.PayURL, order.RefundRequestNo, order.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert order: %w", err)
		}
		return nil
	})
}

// FindByTradeNo ищет заказ по номеру шлюза.
func (s *PostgresStore) FindByTradeNo(ctx context.Context, tradeNo string) (*model.Order, error) {
	if tradeNo == "" {
		return nil, ErrOrderNotFound
	}

	var order *model.Order
	err := s.withRetry(ctx, func() error {
		var err error
		order, err = scanOrder(s.pool.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE trade_no = $1`, tradeNo))
		return err
	})
	return order, err
}

// FindByOutTradeNo ищет заказ по бизнес-номеру мерчанта.
func (s *PostgresStore) FindByOutTradeNo(ctx context.Context, outTradeNo string) (*model.Order, error) {
	if outTradeNo == "" {
		return nil, ErrOrderNotFound
	}

	var order *model.Order
	err := s.withRetry(ctx, func() error {
		var err error
		order, err = scanOrder(s.pool.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE out_trade_no = $1`, outTradeNo))
		return err
	})
	return order, err
}

// List возвращает заказы в порядке создания.
func (s *PostgresStore) List(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+orderColumns+` FROM orders ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("select orders: %w", err)
		}
		defer rows.Close()

		orders = orders[:0]
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return err
			}
			orders = append(orders, *o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}
