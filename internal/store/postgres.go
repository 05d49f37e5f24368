package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scanner is a single result row.
type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// --- Orders ---

const orderColumns = `id, user_id, side, order_type, event_ref, option_ref,
	limit_price::TEXT, requested_notional::TEXT, leverage, status,
	requested_quantity::TEXT, filled_quantity::TEXT, remaining_quantity::TEXT,
	avg_fill_price::TEXT, created_at, updated_at`

func scanOrder(row scanner) (model.Order, error) {
	var o model.Order
	var limit *string
	var notional, reqQty, filled, remaining, avg string

	if err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.Type, &o.EventRef, &o.OptionRef,
		&limit, &notional, &o.Leverage, &o.Status,
		&reqQty, &filled, &remaining,
		&avg, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return model.Order{}, err
	}
	if limit != nil {
		lp := dec(*limit)
		o.LimitPrice = &lp
	}
	o.RequestedNotional = dec(notional)
	o.RequestedQuantity = dec(reqQty)
	o.FilledQuantity = dec(filled)
	o.RemainingQuantity = dec(remaining)
	o.AvgFillPrice = dec(avg)
	return o, nil
}

func insertOrder(ctx context.Context, q querier, o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	var limit *string
	if o.LimitPrice != nil {
		s := o.LimitPrice.String()
		limit = &s
	}

	row := q.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, side, order_type, event_ref, option_ref,
		        limit_price, requested_notional, leverage, status,
		        requested_quantity, filled_quantity, remaining_quantity, avg_fill_price,
		        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16)
		 RETURNING `+orderColumns,
		o.ID, o.UserID, o.Side, o.Type, o.EventRef, o.OptionRef,
		limit, o.RequestedNotional.String(), o.Leverage, o.Status,
		o.RequestedQuantity.String(), o.FilledQuantity.String(), o.RemainingQuantity.String(), o.AvgFillPrice.String(),
		o.CreatedAt, o.UpdatedAt,
	)
	stored, err := scanOrder(row)
	if err != nil {
		return model.Order{}, fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return stored, nil
}

func updateOrder(ctx context.Context, q querier, o model.Order) (model.Order, error) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	row := q.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2, filled_quantity = $3::NUMERIC, remaining_quantity = $4::NUMERIC,
		     avg_fill_price = $5::NUMERIC, updated_at = $6
		 WHERE id = $1 AND status NOT IN ('filled', 'cancelled')
		 RETURNING `+orderColumns,
		o.ID, o.Status, o.FilledQuantity.String(), o.RemainingQuantity.String(),
		o.AvgFillPrice.String(), o.UpdatedAt,
	)
	stored, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		if err := q.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, o.ID).Scan(&status); err != nil {
			return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
		}
		return model.Order{}, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, o.ID, status)
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return stored, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	return insertOrder(ctx, s.pool, o)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	return updateOrder(ctx, s.pool, o)
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- Positions ---

const positionColumns = `id, user_id, event_ref, option_ref, side,
	entry_price::TEXT, quantity::TEXT, leverage, margin::TEXT,
	tp_value::TEXT, tp_mode, sl_value::TEXT, sl_mode,
	status, source_order_id, opened_at, closed_at`

func scanPosition(row scanner) (model.Position, error) {
	var p model.Position
	var entry, qty, margin string
	var tpValue, tpMode, slValue, slMode *string

	if err := row.Scan(&p.ID, &p.UserID, &p.EventRef, &p.OptionRef, &p.Side,
		&entry, &qty, &p.Leverage, &margin,
		&tpValue, &tpMode, &slValue, &slMode,
		&p.Status, &p.SourceOrderID, &p.OpenedAt, &p.ClosedAt); err != nil {
		return model.Position{}, err
	}
	p.EntryPrice = dec(entry)
	p.Quantity = dec(qty)
	p.Margin = dec(margin)
	p.TakeProfit = threshold(tpValue, tpMode)
	p.StopLoss = threshold(slValue, slMode)
	return p, nil
}

func threshold(value, mode *string) *model.Threshold {
	if value == nil || mode == nil {
		return nil
	}
	return &model.Threshold{Value: dec(*value), Mode: model.ThresholdMode(*mode)}
}

func thresholdArgs(t *model.Threshold) (value, mode *string) {
	if t == nil {
		return nil, nil
	}
	v, m := t.Value.String(), string(t.Mode)
	return &v, &m
}

func insertPosition(ctx context.Context, q querier, p model.Position) (model.Position, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	tpValue, tpMode := thresholdArgs(p.TakeProfit)
	slValue, slMode := thresholdArgs(p.StopLoss)

	row := q.QueryRow(ctx,
		`INSERT INTO positions (id, user_id, event_ref, option_ref, side,
		        entry_price, quantity, leverage, margin,
		        tp_value, tp_mode, sl_value, sl_mode,
		        status, source_order_id, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC,
		         $10::NUMERIC, $11, $12::NUMERIC, $13, 'open', $14, $15)
		 RETURNING `+positionColumns,
		p.ID, p.UserID, p.EventRef, p.OptionRef, p.Side,
		p.EntryPrice.String(), p.Quantity.String(), p.Leverage, p.Margin.String(),
		tpValue, tpMode, slValue, slMode,
		p.SourceOrderID, p.OpenedAt,
	)
	stored, err := scanPosition(row)
	if err != nil {
		return model.Position{}, fmt.Errorf("create position %s: %w", p.ID, err)
	}
	return stored, nil
}

// positionGone distinguishes a closed row from a missing one after a guarded
// write matched nothing.
func positionGone(ctx context.Context, q querier, id string) error {
	var status string
	if err := q.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status); err != nil {
		return fmt.Errorf("%w: position %s", model.ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s", model.ErrAlreadyClosed, id)
}

func updatePosition(ctx context.Context, q querier, p model.Position) (model.Position, error) {
	tpValue, tpMode := thresholdArgs(p.TakeProfit)
	slValue, slMode := thresholdArgs(p.StopLoss)

	row := q.QueryRow(ctx,
		`UPDATE positions
		 SET entry_price = $2::NUMERIC, quantity = $3::NUMERIC, leverage = $4, margin = $5::NUMERIC,
		     tp_value = $6::NUMERIC, tp_mode = $7, sl_value = $8::NUMERIC, sl_mode = $9
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+positionColumns,
		p.ID, p.EntryPrice.String(), p.Quantity.String(), p.Leverage, p.Margin.String(),
		tpValue, tpMode, slValue, slMode,
	)
	stored, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, positionGone(ctx, q, p.ID)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return stored, nil
}

func closePosition(ctx context.Context, q querier, p model.Position) (model.Position, error) {
	at := time.Now()
	if p.ClosedAt != nil {
		at = *p.ClosedAt
	}
	row := q.QueryRow(ctx,
		`UPDATE positions
		 SET status = 'closed', closed_at = COALESCE(closed_at, $2)
		 WHERE id = $1
		 RETURNING `+positionColumns,
		p.ID, at,
	)
	stored, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("%w: position %s", model.ErrNotFound, p.ID)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("close position %s: %w", p.ID, err)
	}
	return stored, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	return insertPosition(ctx, s.pool, p)
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	return updatePosition(ctx, s.pool, p)
}

func (s *PostgresStore) ClosePosition(ctx context.Context, p model.Position) (model.Position, error) {
	return closePosition(ctx, s.pool, p)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY opened_at, id`, userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Settlements ---

const settlementColumns = `id, user_id, position_id, event_ref, option_ref, side, reason,
	entry_price::TEXT, exit_price::TEXT, size::TEXT, leverage, margin::TEXT,
	gross_pnl::TEXT, funding_fee::TEXT, trading_fee::TEXT, net_pnl::TEXT, roi::TEXT,
	result, opened_at, settled_at`

func scanSettlement(row scanner) (model.Settlement, error) {
	var st model.Settlement
	var entry, exit, size, margin, gross, funding, trading, net, roi string

	if err := row.Scan(&st.ID, &st.UserID, &st.PositionRef, &st.EventRef, &st.OptionRef, &st.Side, &st.Reason,
		&entry, &exit, &size, &st.Leverage, &margin,
		&gross, &funding, &trading, &net, &roi,
		&st.Result, &st.OpenedAt, &st.SettledAt); err != nil {
		return model.Settlement{}, err
	}
	st.EntryPrice = dec(entry)
	st.ExitPrice = dec(exit)
	st.Size = dec(size)
	st.Margin = dec(margin)
	st.GrossPnL = dec(gross)
	st.FundingFee = dec(funding)
	st.TradingFee = dec(trading)
	st.NetPnL = dec(net)
	st.ROI = dec(roi)
	return st, nil
}

func insertSettlement(ctx context.Context, q querier, st model.Settlement) (model.Settlement, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.SettledAt.IsZero() {
		st.SettledAt = time.Now()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO settlements (id, user_id, position_id, event_ref, option_ref, side, reason,
		        entry_price, exit_price, size, leverage, margin,
		        gross_pnl, funding_fee, trading_fee, net_pnl, roi,
		        result, opened_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC,
		         $18, $19, $20)
		 ON CONFLICT (position_id) DO NOTHING`,
		st.ID, st.UserID, st.PositionRef, st.EventRef, st.OptionRef, st.Side, st.Reason,
		st.EntryPrice.String(), st.ExitPrice.String(), st.Size.String(), st.Leverage, st.Margin.String(),
		st.GrossPnL.String(), st.FundingFee.String(), st.TradingFee.String(), st.NetPnL.String(), st.ROI.String(),
		st.Result, st.OpenedAt, st.SettledAt,
	)
	if err != nil {
		return model.Settlement{}, fmt.Errorf("create settlement for %s: %w", st.PositionRef, err)
	}

	stored, err := scanSettlement(q.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE position_id = $1`, st.PositionRef))
	if err != nil {
		return model.Settlement{}, fmt.Errorf("read settlement for %s: %w", st.PositionRef, err)
	}
	return stored, nil
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, st model.Settlement) (model.Settlement, error) {
	return insertSettlement(ctx, s.pool, st)
}

func (s *PostgresStore) ListSettlements(ctx context.Context, userID string) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE user_id = $1 ORDER BY settled_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Fills ---

// CommitFill runs the whole change set in one serializable transaction.
func (s *PostgresStore) CommitFill(ctx context.Context, c model.FillCommit) (model.FillCommit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return model.FillCommit{}, fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var out model.FillCommit
	if out.Order, err = updateOrder(ctx, tx, c.Order); err != nil {
		return model.FillCommit{}, err
	}
	for _, cp := range c.Closed {
		if _, err := updatePosition(ctx, tx, cp.Position); err != nil {
			return model.FillCommit{}, err
		}
		pos, err := closePosition(ctx, tx, cp.Position)
		if err != nil {
			return model.FillCommit{}, err
		}
		st, err := insertSettlement(ctx, tx, cp.Settlement)
		if err != nil {
			return model.FillCommit{}, err
		}
		out.Closed = append(out.Closed, model.ClosedPosition{Position: pos, Settlement: st})
	}
	for _, p := range c.Updated {
		pos, err := updatePosition(ctx, tx, p)
		if err != nil {
			return model.FillCommit{}, err
		}
		out.Updated = append(out.Updated, pos)
	}
	for _, p := range c.Opened {
		pos, err := insertPosition(ctx, tx, p)
		if err != nil {
			return model.FillCommit{}, err
		}
		out.Opened = append(out.Opened, pos)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.FillCommit{}, fmt.Errorf("commit fill tx: %w", err)
	}
	return out, nil
}
