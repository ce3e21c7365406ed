package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"

	"orderflow/internal/domain"
	"orderflow/pkg/quant"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateCancellation is returned when an order already has a
	// non-terminal cancellation request.
	ErrDuplicateCancellation = errors.New("active cancellation already exists for order")
)

// Store persists orders and cancellation requests in SQLite. The database is
// the single source of truth; SQLite's single-writer lock makes the claim
// primitive atomic without application-level locking.
type Store struct {
	db *sql.DB
}

// Open creates the store, enabling WAL mode and running migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			qty_sats INTEGER NOT NULL,
			price_micros INTEGER NOT NULL DEFAULT 0,
			stop_price_micros INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 100,
			sort_price_micros INTEGER NOT NULL DEFAULT 0,
			placement_state TEXT NOT NULL,
			fill_state TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account_open
			ON orders(account_id, fill_state);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_exchange_ref
			ON orders(exchange, exchange_order_id);`,
		`CREATE TABLE IF NOT EXISTS cancellation_requests (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			requested_at INTEGER NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			claimed_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cancel_eligible
			ON cancellation_requests(status, next_retry_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_cancel_active
			ON cancellation_requests(order_id)
			WHERE status IN ('PENDING','PROCESSING');`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const orderColumns = `id, account_id, exchange, symbol, side, type, qty_sats,
	price_micros, stop_price_micros, priority, sort_price_micros,
	placement_state, fill_state, exchange_order_id, last_error,
	created_at, updated_at`

// CreateOrder inserts a new order.
func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	if err := o.CheckPlacement(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.Exchange, o.Symbol, o.Side, o.Type, o.QtySats,
		o.PriceMicros, o.StopPriceMicros, o.Priority, o.SortPriceMicros,
		o.Placement, o.Fill, o.ExchangeOrderID, o.LastError,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByExchangeRef resolves an exchange order id back to the local
// order, used when a stream update arrives.
func (s *Store) GetOrderByExchangeRef(ctx context.Context, exchange, exchangeOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE exchange = ? AND exchange_order_id = ?`,
		exchange, exchangeOrderID)
	return scanOrder(row)
}

// LoadOpenOrders returns every non-terminal order for an account.
func (s *Store) LoadOpenOrders(ctx context.Context, accountID string) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = ? AND fill_state = ?
		 ORDER BY created_at`,
		accountID, domain.FillOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListAccounts returns every account holding at least one open order.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT account_id FROM orders WHERE fill_state = ? ORDER BY account_id`,
		domain.FillOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

// UpdateOrderPlacement moves an order between QUEUED and ACTIVE. The exchange
// order id and placement state always change together: promotion sets both,
// demotion clears both.
func (s *Store) UpdateOrderPlacement(ctx context.Context, orderID string, placement domain.PlacementState, exchangeOrderID string) error {
	probe := domain.Order{ID: orderID, Placement: placement, ExchangeOrderID: exchangeOrderID}
	if err := probe.CheckPlacement(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET placement_state = ?, exchange_order_id = ?, updated_at = ?
		WHERE id = ?`,
		placement, exchangeOrderID, quant.Now(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update placement: %w", err)
	}
	return requireRow(res, orderID)
}

// UpdateOrderFillState records an exchange-side outcome.
func (s *Store) UpdateOrderFillState(ctx context.Context, orderID string, fill domain.FillState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET fill_state = ?, updated_at = ? WHERE id = ?`,
		fill, quant.Now(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update fill state: %w", err)
	}
	return requireRow(res, orderID)
}

// RecordOrderError stores the latest failure message on the order for
// operator visibility. Does not change any state machine field.
func (s *Store) RecordOrderError(ctx context.Context, orderID, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET last_error = ?, updated_at = ? WHERE id = ?`,
		msg, quant.Now(), orderID)
	if err != nil {
		return fmt.Errorf("failed to record order error: %w", err)
	}
	return requireRow(res, orderID)
}

// EnqueueCancellation inserts a pending request. The partial unique index
// rejects a second non-terminal request for the same order.
func (s *Store) EnqueueCancellation(ctx context.Context, req *domain.CancellationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cancellation_requests
			(id, order_id, status, retry_count, max_retries, next_retry_at,
			 error_message, requested_at, claimed_by, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.OrderID, req.Status, req.RetryCount, req.MaxRetries,
		req.NextRetryAt, req.ErrorMessage, req.RequestedAt, req.ClaimedBy, req.ClaimedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateCancellation
		}
		return fmt.Errorf("failed to enqueue cancellation: %w", err)
	}
	return nil
}

const cancelColumns = `id, order_id, status, retry_count, max_retries,
	next_retry_at, error_message, requested_at, claimed_by, claimed_at`

// ClaimCancellations atomically marks up to limit eligible requests as
// PROCESSING owned by claimant and returns them. Eligible means PENDING with
// next_retry_at due, or PROCESSING whose claim went stale (a worker died
// mid-flight). A second worker calling concurrently receives a disjoint set,
// possibly empty.
func (s *Store) ClaimCancellations(ctx context.Context, limit int, now, staleBefore quant.TimeStamp, claimant string) ([]*domain.CancellationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE cancellation_requests
		SET status = ?, claimed_by = ?, claimed_at = ?
		WHERE id IN (
			SELECT id FROM cancellation_requests
			WHERE (status = ? AND next_retry_at <= ?)
			   OR (status = ? AND claimed_at <= ?)
			ORDER BY requested_at
			LIMIT ?
		)
		RETURNING `+cancelColumns,
		domain.CancelProcessing, claimant, now,
		domain.CancelPending, now,
		domain.CancelProcessing, staleBefore,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim cancellations: %w", err)
	}
	defer rows.Close()

	var claimed []*domain.CancellationRequest
	for rows.Next() {
		req, err := scanCancellation(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, req)
	}
	return claimed, rows.Err()
}

// UpdateCancellation writes a resolved claim back. A request returned to
// PENDING loses its claim so any worker can pick it up after the delay.
func (s *Store) UpdateCancellation(ctx context.Context, req *domain.CancellationRequest) error {
	if req.Status == domain.CancelPending {
		req.ClaimedBy = ""
		req.ClaimedAt = 0
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cancellation_requests
		SET status = ?, retry_count = ?, next_retry_at = ?, error_message = ?,
		    claimed_by = ?, claimed_at = ?
		WHERE id = ?`,
		req.Status, req.RetryCount, req.NextRetryAt, req.ErrorMessage,
		req.ClaimedBy, req.ClaimedAt, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update cancellation: %w", err)
	}
	return requireRow(res, req.ID)
}

// GetCancellation loads one request by id.
func (s *Store) GetCancellation(ctx context.Context, id string) (*domain.CancellationRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cancelColumns+` FROM cancellation_requests WHERE id = ?`, id)
	return scanCancellation(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.AccountID, &o.Exchange, &o.Symbol, &o.Side, &o.Type, &o.QtySats,
		&o.PriceMicros, &o.StopPriceMicros, &o.Priority, &o.SortPriceMicros,
		&o.Placement, &o.Fill, &o.ExchangeOrderID, &o.LastError,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &o, nil
}

func scanCancellation(row scanner) (*domain.CancellationRequest, error) {
	var req domain.CancellationRequest
	err := row.Scan(
		&req.ID, &req.OrderID, &req.Status, &req.RetryCount, &req.MaxRetries,
		&req.NextRetryAt, &req.ErrorMessage, &req.RequestedAt, &req.ClaimedBy, &req.ClaimedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cancellation: %w", err)
	}
	return &req, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
