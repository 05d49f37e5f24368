package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/position-engine/internal/model"
)

// Row models. Decimals are stored as text so SQLite keeps every digit.

type orderRow struct {
	ID                string  `gorm:"column:id;primaryKey"`
	UserID            string  `gorm:"column:user_id;index:idx_orders_user"`
	Side              string  `gorm:"column:side;not null"`
	OrderType         string  `gorm:"column:order_type;not null"`
	EventRef          string  `gorm:"column:event_ref;not null"`
	OptionRef         string  `gorm:"column:option_ref;not null"`
	LimitPrice        *string `gorm:"column:limit_price;type:text"`
	RequestedNotional string  `gorm:"column:requested_notional;type:text;not null"`
	Leverage          int     `gorm:"column:leverage;not null"`
	Status            string  `gorm:"column:status;not null"`
	RequestedQuantity string  `gorm:"column:requested_quantity;type:text;not null"`
	FilledQuantity    string  `gorm:"column:filled_quantity;type:text;not null"`
	RemainingQuantity string  `gorm:"column:remaining_quantity;type:text;not null"`
	AvgFillPrice      string  `gorm:"column:avg_fill_price;type:text;not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (orderRow) TableName() string { return "orders" }

type positionRow struct {
	ID            string     `gorm:"column:id;primaryKey"`
	UserID        string     `gorm:"column:user_id;index:idx_positions_user"`
	EventRef      string     `gorm:"column:event_ref;not null"`
	OptionRef     string     `gorm:"column:option_ref;not null"`
	Side          string     `gorm:"column:side;not null"`
	EntryPrice    string     `gorm:"column:entry_price;type:text;not null"`
	Quantity      string     `gorm:"column:quantity;type:text;not null"`
	Leverage      int        `gorm:"column:leverage;not null"`
	Margin        string     `gorm:"column:margin;type:text;not null"`
	TPValue       *string    `gorm:"column:tp_value;type:text"`
	TPMode        *string    `gorm:"column:tp_mode"`
	SLValue       *string    `gorm:"column:sl_value;type:text"`
	SLMode        *string    `gorm:"column:sl_mode"`
	Status        string     `gorm:"column:status;index:idx_positions_user;not null"`
	SourceOrderID string     `gorm:"column:source_order_id"`
	OpenedAt      time.Time  `gorm:"column:opened_at"`
	ClosedAt      *time.Time `gorm:"column:closed_at"`
}

func (positionRow) TableName() string { return "positions" }

type settlementRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	UserID     string    `gorm:"column:user_id;index:idx_settlements_user"`
	PositionID string    `gorm:"column:position_id;uniqueIndex"`
	EventRef   string    `gorm:"column:event_ref"`
	OptionRef  string    `gorm:"column:option_ref"`
	Side       string    `gorm:"column:side"`
	Reason     string    `gorm:"column:reason"`
	EntryPrice string    `gorm:"column:entry_price;type:text"`
	ExitPrice  string    `gorm:"column:exit_price;type:text"`
	Size       string    `gorm:"column:size;type:text"`
	Leverage   int       `gorm:"column:leverage"`
	Margin     string    `gorm:"column:margin;type:text"`
	GrossPnL   string    `gorm:"column:gross_pnl;type:text"`
	FundingFee string    `gorm:"column:funding_fee;type:text"`
	TradingFee string    `gorm:"column:trading_fee;type:text"`
	NetPnL     string    `gorm:"column:net_pnl;type:text"`
	ROI        string    `gorm:"column:roi;type:text"`
	Result     string    `gorm:"column:result"`
	OpenedAt   time.Time `gorm:"column:opened_at"`
	SettledAt  time.Time `gorm:"column:settled_at"`
}

func (settlementRow) TableName() string { return "settlements" }

// --- mapping helpers ---

func optionalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func toOrderRow(o model.Order) orderRow {
	return orderRow{
		ID:                o.ID,
		UserID:            o.UserID,
		Side:              string(o.Side),
		OrderType:         string(o.Type),
		EventRef:          o.EventRef,
		OptionRef:         o.OptionRef,
		LimitPrice:        optionalString(o.LimitPrice),
		RequestedNotional: o.RequestedNotional.String(),
		Leverage:          o.Leverage,
		Status:            string(o.Status),
		RequestedQuantity: o.RequestedQuantity.String(),
		FilledQuantity:    o.FilledQuantity.String(),
		RemainingQuantity: o.RemainingQuantity.String(),
		AvgFillPrice:      o.AvgFillPrice.String(),
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func (r orderRow) toDomain() model.Order {
	o := model.Order{
		ID:                r.ID,
		UserID:            r.UserID,
		Side:              model.OrderSide(r.Side),
		Type:              model.OrderType(r.OrderType),
		EventRef:          r.EventRef,
		OptionRef:         r.OptionRef,
		RequestedNotional: dec(r.RequestedNotional),
		Leverage:          r.Leverage,
		Status:            model.OrderStatus(r.Status),
		RequestedQuantity: dec(r.RequestedQuantity),
		FilledQuantity:    dec(r.FilledQuantity),
		RemainingQuantity: dec(r.RemainingQuantity),
		AvgFillPrice:      dec(r.AvgFillPrice),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LimitPrice != nil {
		lp := dec(*r.LimitPrice)
		o.LimitPrice = &lp
	}
	return o
}

func toPositionRow(p model.Position) positionRow {
	tpValue, tpMode := thresholdArgs(p.TakeProfit)
	slValue, slMode := thresholdArgs(p.StopLoss)
	return positionRow{
		ID:            p.ID,
		UserID:        p.UserID,
		EventRef:      p.EventRef,
		OptionRef:     p.OptionRef,
		Side:          string(p.Side),
		EntryPrice:    p.EntryPrice.String(),
		Quantity:      p.Quantity.String(),
		Leverage:      p.Leverage,
		Margin:        p.Margin.String(),
		TPValue:       tpValue,
		TPMode:        tpMode,
		SLValue:       slValue,
		SLMode:        slMode,
		Status:        string(p.Status),
		SourceOrderID: p.SourceOrderID,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
	}
}

func (r positionRow) toDomain() model.Position {
	return model.Position{
		ID:            r.ID,
		UserID:        r.UserID,
		EventRef:      r.EventRef,
		OptionRef:     r.OptionRef,
		Side:          model.PositionSide(r.Side),
		EntryPrice:    dec(r.EntryPrice),
		Quantity:      dec(r.Quantity),
		Leverage:      r.Leverage,
		Margin:        dec(r.Margin),
		TakeProfit:    threshold(r.TPValue, r.TPMode),
		StopLoss:      threshold(r.SLValue, r.SLMode),
		Status:        model.PositionStatus(r.Status),
		SourceOrderID: r.SourceOrderID,
		OpenedAt:      r.OpenedAt,
		ClosedAt:      r.ClosedAt,
	}
}

func toSettlementRow(s model.Settlement) settlementRow {
	return settlementRow{
		ID:         s.ID,
		UserID:     s.UserID,
		PositionID: s.PositionRef,
		EventRef:   s.EventRef,
		OptionRef:  s.OptionRef,
		Side:       string(s.Side),
		Reason:     string(s.Reason),
		EntryPrice: s.EntryPrice.String(),
		ExitPrice:  s.ExitPrice.String(),
		Size:       s.Size.String(),
		Leverage:   s.Leverage,
		Margin:     s.Margin.String(),
		GrossPnL:   s.GrossPnL.String(),
		FundingFee: s.FundingFee.String(),
		TradingFee: s.TradingFee.String(),
		NetPnL:     s.NetPnL.String(),
		ROI:        s.ROI.String(),
		Result:     string(s.Result),
		OpenedAt:   s.OpenedAt,
		SettledAt:  s.SettledAt,
	}
}

func (r settlementRow) toDomain() model.Settlement {
	return model.Settlement{
		ID:          r.ID,
		UserID:      r.UserID,
		PositionRef: r.PositionID,
		EventRef:    r.EventRef,
		OptionRef:   r.OptionRef,
		Side:        model.PositionSide(r.Side),
		Reason:      model.CloseReason(r.Reason),
		EntryPrice:  dec(r.EntryPrice),
		ExitPrice:   dec(r.ExitPrice),
		Size:        dec(r.Size),
		Leverage:    r.Leverage,
		Margin:      dec(r.Margin),
		GrossPnL:    dec(r.GrossPnL),
		FundingFee:  dec(r.FundingFee),
		TradingFee:  dec(r.TradingFee),
		NetPnL:      dec(r.NetPnL),
		ROI:         dec(r.ROI),
		Result:      model.Result(r.Result),
		OpenedAt:    r.OpenedAt,
		SettledAt:   r.SettledAt,
	}
}

// GormStore implements Store using GORM over SQLite, for single-node
// deployments without PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the SQLite database at path and migrates it.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("gorm store: database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("gorm store: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm store: %w", err)
	}
	return NewGormStoreFromDB(db)
}

// NewGormStoreFromDB migrates and wraps an existing connection.
func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&orderRow{}, &positionRow{}, &settlementRow{}); err != nil {
		return nil, fmt.Errorf("gorm store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormCreateOrder(tx *gorm.DB, o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	row := toOrderRow(o)
	if err := tx.Create(&row).Error; err != nil {
		return model.Order{}, fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return row.toDomain(), nil
}

func gormUpdateOrder(tx *gorm.DB, o model.Order) (model.Order, error) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	res := tx.Model(&orderRow{}).
		Where("id = ? AND status NOT IN ?", o.ID, []string{string(model.OrderFilled), string(model.OrderCancelled)}).
		Updates(map[string]any{
			"status":             string(o.Status),
			"filled_quantity":    o.FilledQuantity.String(),
			"remaining_quantity": o.RemainingQuantity.String(),
			"avg_fill_price":     o.AvgFillPrice.String(),
			"updated_at":         o.UpdatedAt,
		})
	if res.Error != nil {
		return model.Order{}, fmt.Errorf("update order %s: %w", o.ID, res.Error)
	}

	var row orderRow
	if err := tx.First(&row, "id = ?", o.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
		}
		return model.Order{}, err
	}
	if res.RowsAffected == 0 {
		return model.Order{}, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, o.ID, row.Status)
	}
	return row.toDomain(), nil
}

func gormCreatePosition(tx *gorm.DB, p model.Position) (model.Position, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	p.Status = model.PositionOpen
	p.ClosedAt = nil
	row := toPositionRow(p)
	if err := tx.Create(&row).Error; err != nil {
		return model.Position{}, fmt.Errorf("create position %s: %w", p.ID, err)
	}
	return row.toDomain(), nil
}

func gormUpdatePosition(tx *gorm.DB, p model.Position) (model.Position, error) {
	row := toPositionRow(p)
	res := tx.Model(&positionRow{}).
		Where("id = ? AND status = ?", p.ID, string(model.PositionOpen)).
		Updates(map[string]any{
			"entry_price": row.EntryPrice,
			"quantity":    row.Quantity,
			"leverage":    row.Leverage,
			"margin":      row.Margin,
			"tp_value":    row.TPValue,
			"tp_mode":     row.TPMode,
			"sl_value":    row.SLValue,
			"sl_mode":     row.SLMode,
		})
	if res.Error != nil {
		return model.Position{}, fmt.Errorf("update position %s: %w", p.ID, res.Error)
	}

	var stored positionRow
	if err := tx.First(&stored, "id = ?", p.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Position{}, fmt.Errorf("%w: position %s", model.ErrNotFound, p.ID)
		}
		return model.Position{}, err
	}
	if res.RowsAffected == 0 {
		return model.Position{}, fmt.Errorf("%w: %s", model.ErrAlreadyClosed, p.ID)
	}
	return stored.toDomain(), nil
}

func gormClosePosition(tx *gorm.DB, p model.Position) (model.Position, error) {
	at := time.Now()
	if p.ClosedAt != nil {
		at = *p.ClosedAt
	}
	res := tx.Model(&positionRow{}).
		Where("id = ? AND status = ?", p.ID, string(model.PositionOpen)).
		Updates(map[string]any{"status": string(model.PositionClosed), "closed_at": at})
	if res.Error != nil {
		return model.Position{}, fmt.Errorf("close position %s: %w", p.ID, res.Error)
	}

	var stored positionRow
	if err := tx.First(&stored, "id = ?", p.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Position{}, fmt.Errorf("%w: position %s", model.ErrNotFound, p.ID)
		}
		return model.Position{}, err
	}
	return stored.toDomain(), nil
}

func gormCreateSettlement(tx *gorm.DB, s model.Settlement) (model.Settlement, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.SettledAt.IsZero() {
		s.SettledAt = time.Now()
	}
	row := toSettlementRow(s)
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_id"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return model.Settlement{}, fmt.Errorf("create settlement for %s: %w", s.PositionRef, err)
	}

	var stored settlementRow
	if err := tx.First(&stored, "position_id = ?", s.PositionRef).Error; err != nil {
		return model.Settlement{}, fmt.Errorf("read settlement for %s: %w", s.PositionRef, err)
	}
	return stored.toDomain(), nil
}

func (s *GormStore) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	return gormCreateOrder(s.db.WithContext(ctx), o)
}

func (s *GormStore) UpdateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	return gormUpdateOrder(s.db.WithContext(ctx), o)
}

func (s *GormStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *GormStore) CreatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	return gormCreatePosition(s.db.WithContext(ctx), p)
}

func (s *GormStore) UpdatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	return gormUpdatePosition(s.db.WithContext(ctx), p)
}

func (s *GormStore) ClosePosition(ctx context.Context, p model.Position) (model.Position, error) {
	return gormClosePosition(s.db.WithContext(ctx), p)
}

func (s *GormStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []positionRow
	if err := q.Order("opened_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *GormStore) CreateSettlement(ctx context.Context, st model.Settlement) (model.Settlement, error) {
	return gormCreateSettlement(s.db.WithContext(ctx), st)
}

func (s *GormStore) ListSettlements(ctx context.Context, userID string) ([]model.Settlement, error) {
	var rows []settlementRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("settled_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Settlement, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CommitFill runs the whole change set in one transaction.
func (s *GormStore) CommitFill(ctx context.Context, c model.FillCommit) (model.FillCommit, error) {
	var out model.FillCommit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if out.Order, err = gormUpdateOrder(tx, c.Order); err != nil {
			return err
		}
		for _, cp := range c.Closed {
			if _, err := gormUpdatePosition(tx, cp.Position); err != nil {
				return err
			}
			pos, err := gormClosePosition(tx, cp.Position)
			if err != nil {
				return err
			}
			st, err := gormCreateSettlement(tx, cp.Settlement)
			if err != nil {
				return err
			}
			out.Closed = append(out.Closed, model.ClosedPosition{Position: pos, Settlement: st})
		}
		for _, p := range c.Updated {
			pos, err := gormUpdatePosition(tx, p)
			if err != nil {
				return err
			}
			out.Updated = append(out.Updated, pos)
		}
		for _, p := range c.Opened {
			pos, err := gormCreatePosition(tx, p)
			if err != nil {
				return err
			}
			out.Opened = append(out.Opened, pos)
		}
		return nil
	})
	if err != nil {
		return model.FillCommit{}, err
	}
	return out, nil
}
