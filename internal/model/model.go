// Package model defines the core domain types shared across the position engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType selects how an order is priced.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order. Filled and Cancelled are terminal.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partiallyFilled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Opposite returns the inverted direction.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// PositionSideOf maps an order side to the position direction it opens.
func PositionSideOf(side OrderSide) PositionSide {
	if side == Sell {
		return Short
	}
	return Long
}

// PositionStatus is stored alongside a position so durable stores can
// refuse writes against closed rows.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ThresholdMode says how a TP/SL value is interpreted.
type ThresholdMode string

const (
	Percent  ThresholdMode = "percent"
	Absolute ThresholdMode = "absolute"
)

// CloseReason records why a position left the open set.
type CloseReason string

const (
	CloseManual             CloseReason = "manual"
	CloseTakeProfit         CloseReason = "tp"
	CloseStopLoss           CloseReason = "sl"
	CloseLiquidation        CloseReason = "liquidation"
	CloseExternalResolution CloseReason = "externalResolution"
	CloseReduce             CloseReason = "reduce"
)

// Result is the outcome label of a settlement.
type Result string

const (
	Win  Result = "win"
	Lose Result = "lose"
)

// Threshold is a take-profit or stop-loss level.
type Threshold struct {
	Value decimal.Decimal `json:"value"`
	Mode  ThresholdMode   `json:"mode"`
}

// Order is a user's trade intent. Mutated only by the order ledger.
type Order struct {
	ID                string           `json:"id" db:"id"`
	UserID            string           `json:"user_id" db:"user_id"`
	Side              OrderSide        `json:"side" db:"side"`
	Type              OrderType        `json:"order_type" db:"order_type"`
	EventRef          string           `json:"event_ref" db:"event_ref"`
	OptionRef         string           `json:"option_ref" db:"option_ref"`
	LimitPrice        *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	RequestedNotional decimal.Decimal  `json:"requested_notional" db:"requested_notional"`
	Leverage          int              `json:"leverage" db:"leverage"`
	Status            OrderStatus      `json:"status" db:"status"`
	RequestedQuantity decimal.Decimal  `json:"requested_quantity" db:"requested_quantity"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity" db:"remaining_quantity"`
	AvgFillPrice      decimal.Decimal  `json:"avg_fill_price" db:"avg_fill_price"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// ReservedMargin is the margin still held back for the unfilled part of the order.
func (o *Order) ReservedMargin() decimal.Decimal {
	if o.Status.Terminal() || o.RequestedQuantity.IsZero() || o.Leverage < 1 {
		return decimal.Zero
	}
	share := o.RemainingQuantity.Div(o.RequestedQuantity)
	return o.RequestedNotional.Mul(share).Div(decimal.NewFromInt(int64(o.Leverage)))
}

// Position is an open (or closed, when read back from a store) leveraged holding.
// Only stored fields live here; mark-derived values are computed into PositionView.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	EventRef      string          `json:"event_ref" db:"event_ref"`
	OptionRef     string          `json:"option_ref" db:"option_ref"`
	Side          PositionSide    `json:"side" db:"side"`
	EntryPrice    decimal.Decimal `json:"entry_price" db:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Leverage      int             `json:"leverage" db:"leverage"`
	Margin        decimal.Decimal `json:"margin" db:"margin"`
	TakeProfit    *Threshold      `json:"take_profit,omitempty"`
	StopLoss      *Threshold      `json:"stop_loss,omitempty"`
	Status        PositionStatus  `json:"status" db:"status"`
	SourceOrderID string          `json:"source_order_id" db:"source_order_id"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Notional is quantity × entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Clone returns a deep copy so callers can mutate thresholds safely.
func (p Position) Clone() Position {
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		p.TakeProfit = &tp
	}
	if p.StopLoss != nil {
		sl := *p.StopLoss
		p.StopLoss = &sl
	}
	if p.ClosedAt != nil {
		at := *p.ClosedAt
		p.ClosedAt = &at
	}
	return p
}

// PositionView is a position plus values derived from the latest mark price.
// Never persisted.
type PositionView struct {
	Position
	MarkPrice        decimal.Decimal  `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	PnLPercent       decimal.Decimal  `json:"pnl_percent"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price"`
	TakeProfitPrice  *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice    *decimal.Decimal `json:"stop_loss_price,omitempty"`
}

// Settlement is the immutable record of a closed position's economics.
// Once created, it is never modified or deleted.
type Settlement struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	PositionRef string          `json:"position_ref" db:"position_ref"`
	EventRef    string          `json:"event_ref" db:"event_ref"`
	OptionRef   string          `json:"option_ref" db:"option_ref"`
	Side        PositionSide    `json:"side" db:"side"`
	Reason      CloseReason     `json:"reason" db:"reason"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	Size        decimal.Decimal `json:"size" db:"size"`
	Leverage    int             `json:"leverage" db:"leverage"`
	Margin      decimal.Decimal `json:"margin" db:"margin"`
	GrossPnL    decimal.Decimal `json:"gross_pnl" db:"gross_pnl"`
	FundingFee  decimal.Decimal `json:"funding_fee" db:"funding_fee"`
	TradingFee  decimal.Decimal `json:"trading_fee" db:"trading_fee"`
	NetPnL      decimal.Decimal `json:"net_pnl" db:"net_pnl"`
	ROI         decimal.Decimal `json:"roi" db:"roi"`
	Result      Result          `json:"result" db:"result"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
	SettledAt   time.Time       `json:"settled_at" db:"settled_at"`
}

// Fill is one simulated execution slice of an order.
type Fill struct {
	OrderID   string
	UserID    string
	EventRef  string
	OptionRef string
	Side      PositionSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Leverage  int
	At        time.Time
}

// PriceUpdate is one tick from the price feed.
type PriceUpdate struct {
	OptionID  string          `json:"option_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClosedPosition pairs a position that left the open set with its settlement.
type ClosedPosition struct {
	Position   Position   `json:"position"`
	Settlement Settlement `json:"settlement"`
}

// FillCommit is the change set of one fill. Stores persist it atomically:
// the order transition and every position change reach the backend together
// or not at all.
type FillCommit struct {
	Order   Order            `json:"order"`
	Opened  []Position       `json:"opened,omitempty"`
	Updated []Position       `json:"updated,omitempty"`
	Closed  []ClosedPosition `json:"closed,omitempty"`
}

// Account summarizes a user's simulated funds.
type Account struct {
	UserID          string          `json:"user_id"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	ReservedMargin  decimal.Decimal `json:"reserved_margin"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	Available       decimal.Decimal `json:"available"`
	Equity          decimal.Decimal `json:"equity"`
}
