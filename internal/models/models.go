package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus 定义了订单的生命周期状态。
// 状态机: PENDING -> NEW -> FILLED | CANCELED | FAILED
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"  // 已在本地登记，尚未得到交易所确认
	OrderNew      OrderStatus = "NEW"      // 交易所已接受，挂单中
	OrderFilled   OrderStatus = "FILLED"   // 已成交（终态）
	OrderCanceled OrderStatus = "CANCELED" // 已取消（终态）
	OrderFailed   OrderStatus = "FAILED"   // 下单失败或确认超时（终态）
)

// IsTerminal 判断状态是否为终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderFailed:
		return true
	}
	return false
}

// IsActive 判断订单是否仍占用网格槽位
func (s OrderStatus) IsActive() bool {
	return s == OrderPending || s == OrderNew
}

// GridBand 代表三层网格中的一层。
// 各层拥有独立的区间、间距、单笔金额和资金权重，槽位编号互不共享。
type GridBand string

const (
	BandHighFreq  GridBand = "high_freq"  // 高频套利层
	BandMainTrend GridBand = "main_trend" // 主趋势层
	BandInsurance GridBand = "insurance"  // 保险层
)

// AllBands 按固定顺序返回所有网格层级
func AllBands() []GridBand {
	return []GridBand{BandHighFreq, BandMainTrend, BandInsurance}
}

// Valid 判断是否为已知层级
func (b GridBand) Valid() bool {
	switch b {
	case BandHighFreq, BandMainTrend, BandInsurance:
		return true
	}
	return false
}

// Order 代表一张网格订单。
// 每张订单归属于唯一的槽位 (band, side, slot_index)；订单进入终态后
// 槽位被释放，由重建逻辑放置新订单。
type Order struct {
	ID              string          `json:"id"`                          // 本地唯一ID，同时用作交易所 clientOrderId
	ExchangeOrderID int64           `json:"exchange_order_id,omitempty"` // 交易所订单ID，下单成功后才会赋值
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Status          OrderStatus     `json:"status"`
	Band            GridBand        `json:"band"`
	SlotIndex       int             `json:"slot_index"` // 自中心价向外计数，0 为最近档
	CreatedAt       time.Time       `json:"created_at"`
	FilledAt        time.Time       `json:"filled_at,omitempty"`
	Profit          decimal.Decimal `json:"profit"` // 成交时按半间距估算的已实现利润
}

// Notional 返回订单的名义价值 (price * quantity)
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Quantity)
}

// Trade 记录一笔成交。创建后不可变。
type Trade struct {
	TradeID    string          `json:"trade_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Profit     decimal.Decimal `json:"profit"`
	Band       GridBand        `json:"band"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// EngineState 定义了引擎整体的状态机。
// STOPPED -> INITIALIZING -> RUNNING -> (EMERGENCY_STOPPED | STOPPED)
type EngineState string

const (
	EngineStopped          EngineState = "STOPPED"
	EngineInitializing     EngineState = "INITIALIZING"
	EngineRunning          EngineState = "RUNNING"
	EngineEmergencyStopped EngineState = "EMERGENCY_STOPPED" // 终态，需要人工重启
)

// BandStatus 是单个网格层级的状态快照
type BandStatus struct {
	Band           GridBand        `json:"band"`
	CenterPrice    decimal.Decimal `json:"center_price"`
	ActiveOrders   int             `json:"active_orders"`
	ExpectedOrders int             `json:"expected_orders"`
	Integrity      float64         `json:"integrity"` // active/expected*100，上限100
	LastRebuild    time.Time       `json:"last_rebuild"`
}

// EngineStatus 是整个引擎的状态快照，每个循环周期重新计算，
// 对外只读，不会被外部修改。
type EngineStatus struct {
	State         EngineState     `json:"state"`
	Running       bool            `json:"running"`
	Symbol        string          `json:"symbol"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	ActiveOrders  int             `json:"active_orders"`
	Bands         []BandStatus    `json:"bands"`
	OrdersCreated int64           `json:"orders_created"`
	OrdersFilled  int64           `json:"orders_filled"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Uptime        time.Duration   `json:"uptime"`
	LastUpdate    time.Time       `json:"last_update"`
}

// LogEvent 是写入持久层的结构化事件，供审计和异常分析使用
type LogEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}
