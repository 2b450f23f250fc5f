package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/models"
)

// SimExchange 是纯内存的模拟交易所，用于模拟运行和测试。
// 限价单在价格穿越挂单价时成交：买单在最新价 <= 挂单价时成交，
// 卖单在最新价 >= 挂单价时成交。成交即全额成交，不模拟部分成交。
type SimExchange struct {
	mu             sync.Mutex
	price          decimal.Decimal
	balance        decimal.Decimal
	commissionRate decimal.Decimal
	nextID         int64
	open           map[int64]*OrderDetail
	all            map[int64]*OrderDetail
	byClientID     map[string]int64
}

// NewSimExchange 创建模拟交易所
func NewSimExchange(startPrice, initialBalance, commissionRate decimal.Decimal) *SimExchange {
	return &SimExchange{
		price:          startPrice,
		balance:        initialBalance,
		commissionRate: commissionRate,
		nextID:         1,
		open:           make(map[int64]*OrderDetail),
		all:            make(map[int64]*OrderDetail),
		byClientID:     make(map[string]int64),
	}
}

// SetPrice 推进最新价并撮合所有被穿越的挂单
func (e *SimExchange) SetPrice(p decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = p
	for id, o := range e.open {
		if e.crosses(o) {
			e.fillLocked(o)
			delete(e.open, id)
		}
	}
}

func (e *SimExchange) crosses(o *OrderDetail) bool {
	if o.Side == models.Buy {
		return e.price.LessThanOrEqual(o.Price)
	}
	return e.price.GreaterThanOrEqual(o.Price)
}

func (e *SimExchange) fillLocked(o *OrderDetail) {
	o.Status = models.OrderFilled
	o.ExecutedQty = o.Quantity
	o.AvgPrice = o.Price
	o.UpdatedAt = time.Now()
	commission := o.Price.Mul(o.Quantity).Mul(e.commissionRate)
	e.balance = e.balance.Sub(commission)
}

// GetPrice 返回最新价
func (e *SimExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.price, nil
}

// GetAccountBalance 返回模拟账户余额
func (e *SimExchange) GetAccountBalance(ctx context.Context) (Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Balance{Asset: "USDT", Available: e.balance, Total: e.balance}, nil
}

// PlaceOrder 挂一张限价单。挂单价已被当前价穿越时立即成交
func (e *SimExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, price, quantity decimal.Decimal, clientOrderID string) (*PlacedOrder, error) {
	if price.LessThanOrEqual(decimal.Zero) || quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &RejectionError{Code: -1013, Message: fmt.Sprintf("非法的价格或数量: %s @ %s", quantity, price)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClientID[clientOrderID]; ok && clientOrderID != "" {
		// 重复的 clientOrderID 返回已有订单，模拟交易所的幂等语义
		o := e.all[id]
		return &PlacedOrder{ExchangeOrderID: o.ExchangeOrderID, ClientOrderID: o.ClientOrderID, Status: o.Status}, nil
	}

	id := e.nextID
	e.nextID++
	o := &OrderDetail{
		ExchangeOrderID: id,
		ClientOrderID:   clientOrderID,
		Symbol:          symbol,
		Side:            side,
		Price:           price,
		Quantity:        quantity,
		Status:          models.OrderNew,
		UpdatedAt:       time.Now(),
	}
	e.all[id] = o
	if clientOrderID != "" {
		e.byClientID[clientOrderID] = id
	}

	if e.crosses(o) {
		e.fillLocked(o)
	} else {
		e.open[id] = o
	}

	return &PlacedOrder{ExchangeOrderID: id, ClientOrderID: clientOrderID, Status: o.Status}, nil
}

// CancelOrder 取消挂单。订单不存在或已进入终态时返回 ErrOrderNotFound
func (e *SimExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.open[exchangeOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = models.OrderCanceled
	o.UpdatedAt = time.Now()
	delete(e.open, exchangeOrderID)
	return nil
}

// GetOpenOrders 返回所有挂单的快照
func (e *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]OrderDetail, 0, len(e.open))
	for _, o := range e.open {
		result = append(result, *o)
	}
	return result, nil
}

// GetOrder 按交易所订单ID或 clientOrderID 查询订单
func (e *SimExchange) GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*OrderDetail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exchangeOrderID > 0 {
		if o, ok := e.all[exchangeOrderID]; ok {
			cp := *o
			return &cp, nil
		}
		return nil, ErrOrderNotFound
	}
	if id, ok := e.byClientID[clientOrderID]; ok {
		cp := *e.all[id]
		return &cp, nil
	}
	return nil, ErrOrderNotFound
}
