package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// NumericScale is the fractional scale of every money column in schema.sql.
// Values with more digits would be rounded on write.
const NumericScale int32 = 8

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// every Lock* method is a SELECT ... FOR UPDATE inside the unit's transaction.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// how long a unit waits for a row lock; zero leaves the server default.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// IsTransient reports whether err is a lock or serialization failure after
// which the whole unit may be re-executed.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	}
	return false
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
				fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
				return err
			}
		}
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, a.Name, a.Balance.String(), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, amount::TEXT, locked_amount::TEXT, updated_at
		 FROM holdings WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListOrdersByAccount(ctx context.Context, accountID string, status model.OrderStatus) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE account_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY seq DESC`, accountID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, symbol string, side model.Side) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE symbol = $1 AND side = $2 AND status = 'open'
		 ORDER BY `+priorityOrder(side), symbol, string(side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]model.Trade, error) {
	query := `SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol,
	                 price::TEXT, amount::TEXT, commission::TEXT, asset_commission::TEXT, executed_at
	          FROM trades WHERE symbol = $1 ORDER BY executed_at DESC, id`
	args := []any{symbol}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS, amountS, commissionS, assetCommissionS string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.Symbol,
			&priceS, &amountS, &commissionS, &assetCommissionS, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(priceS)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Commission, _ = decimal.NewFromString(commissionS)
		t.AssetCommission, _ = decimal.NewFromString(assetCommissionS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.tx, id, true)
}

func (t *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		a.ID, a.Balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (account_id, symbol, amount, locked_amount, updated_at)
		 VALUES ($1, $2, 0, 0, now())
		 ON CONFLICT (account_id, symbol) DO NOTHING`, accountID, symbol); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return nil, err
	}

	row := t.tx.QueryRow(ctx,
		`SELECT account_id, symbol, amount::TEXT, locked_amount::TEXT, updated_at
		 FROM holdings WHERE account_id = $1 AND symbol = $2
		 FOR UPDATE`, accountID, symbol)
	h, err := scanHolding(row)
	if err != nil {
		return nil, fmt.Errorf("lock holding %s/%s: %w", accountID, symbol, err)
	}
	return h, nil
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE holdings
		 SET amount = $3::NUMERIC, locked_amount = $4::NUMERIC, updated_at = now()
		 WHERE account_id = $1 AND symbol = $2`,
		h.AccountID, h.Symbol, h.Amount.String(), h.LockedAmount.String())
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, price, amount, filled_amount, reserved, status, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)
		 RETURNING seq`,
		o.ID, o.AccountID, o.Symbol, string(o.Side),
		o.Price.String(), o.Amount.String(), o.FilledAmount.String(), o.Reserved.String(),
		string(o.Status), o.CreatedAt, o.FilledAt,
	).Scan(&o.Seq)
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) SaveOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET filled_amount = $2::NUMERIC, reserved = $3::NUMERIC, status = $4, filled_at = $5
		 WHERE id = $1`,
		o.ID, o.FilledAmount.String(), o.Reserved.String(), string(o.Status), o.FilledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CounterOrders(ctx context.Context, o *model.Order) ([]model.Order, error) {
	side := o.Side.Opposite()
	priceCmp := "<="
	if o.Side == model.SideSell {
		priceCmp = ">="
	}

	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE symbol = $1 AND side = $2 AND status = 'open'
		   AND account_id <> $3
		   AND filled_amount < amount
		   AND price `+priceCmp+` $4::NUMERIC
		 ORDER BY `+priorityOrder(side),
		o.Symbol, string(side), o.AccountID, o.Price.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol,
		                     price, amount, commission, asset_commission, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.Symbol,
		tr.Price.String(), tr.Amount.String(), tr.Commission.String(), tr.AssetCommission.String(),
		tr.ExecutedAt,
	)
	return err
}

// --- Shared query helpers ---

const orderColumns = `id, seq, account_id, symbol, side,
	price::TEXT, amount::TEXT, filled_amount::TEXT, reserved::TEXT,
	status, created_at, filled_at`

func priorityOrder(side model.Side) string {
	if side == model.SideBuy {
		return `price DESC, created_at ASC, seq ASC`
	}
	return `price ASC, created_at ASC, seq ASC`
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by the helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// pgxRows reads pgx rows.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func getAccount(ctx context.Context, q querier, id string, forUpdate bool) (*model.Account, error) {
	sql := `SELECT id, name, balance::TEXT, created_at FROM accounts WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var a model.Account
	var balance string
	err := q.QueryRow(ctx, sql, id).Scan(&a.ID, &a.Name, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var amount, locked string
	if err := row.Scan(&h.AccountID, &h.Symbol, &amount, &locked, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.Amount, _ = decimal.NewFromString(amount)
	h.LockedAmount, _ = decimal.NewFromString(locked)
	return &h, nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, status string
	var price, amount, filled, reserved string
	if err := row.Scan(&o.ID, &o.Seq, &o.AccountID, &o.Symbol, &side,
		&price, &amount, &filled, &reserved,
		&status, &o.CreatedAt, &o.FilledAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	o.Price, _ = decimal.NewFromString(price)
	o.Amount, _ = decimal.NewFromString(amount)
	o.FilledAmount, _ = decimal.NewFromString(filled)
	o.Reserved, _ = decimal.NewFromString(reserved)
	return &o, nil
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
