package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/models"
)

// ErrOrderNotFound 表示交易所侧已不存在该订单（已成交后归档、
// 已取消或从未到达交易所）
var ErrOrderNotFound = errors.New("exchange: 订单不存在")

// RejectionError 表示交易所明确拒绝了请求（参数、余额、精度等），
// 重试同样的请求不会成功
type RejectionError struct {
	Code    int64
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange: 请求被拒绝 (code=%d): %s", e.Code, e.Message)
}

// IsRejection 判断错误是否为交易所拒绝
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// Balance 是账户余额快照（USDT 本位）
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// PlacedOrder 是下单请求的返回结果
type PlacedOrder struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Status          models.OrderStatus
}

// OrderDetail 是交易所侧订单的状态快照
type OrderDetail struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Symbol          string
	Side            models.Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal // 成交均价，无成交时为 0
	Status          models.OrderStatus
	UpdatedAt       time.Time
}

// Exchange 定义了引擎依赖的全部交易所能力。
// 这使得同一套引擎可以在真实交易和模拟模式之间切换。
// 所有方法都接受 context，调用方负责设置超时。
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAccountBalance(ctx context.Context) (Balance, error)
	PlaceOrder(ctx context.Context, symbol string, side models.Side, price, quantity decimal.Decimal, clientOrderID string) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error)
	GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*OrderDetail, error)
}
