package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"binance-multigrid-bot/internal/models"
)

// LiveExchange 通过币安合约 REST API 实现 Exchange 接口。
// 内置速率限制器，所有请求先取令牌再发出，避免触发交易所限频。
type LiveExchange struct {
	client  *futures.Client
	limiter *rate.Limiter
}

// NewLiveExchange 创建一个连接币安 USDT 本位合约的交易所实例
func NewLiveExchange(apiKey, secretKey string) *LiveExchange {
	return &LiveExchange{
		client: binance.NewFuturesClient(apiKey, secretKey),
		// 币安合约限频约 2400 权重/分钟，这里取保守值
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// GetPrice 获取交易对的最新价格
func (e *LiveExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("exchange: 未返回 %s 的价格", symbol)
	}
	p, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: 解析价格 %q 失败: %w", prices[0].Price, err)
	}
	return p, nil
}

// GetAccountBalance 获取合约账户的 USDT 余额
func (e *LiveExchange) GetAccountBalance(ctx context.Context) (Balance, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Balance{}, err
	}
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return Balance{}, mapAPIError(err)
	}
	for _, asset := range account.Assets {
		if asset.Asset != "USDT" {
			continue
		}
		total, err := decimal.NewFromString(asset.WalletBalance)
		if err != nil {
			return Balance{}, fmt.Errorf("exchange: 解析钱包余额失败: %w", err)
		}
		available, err := decimal.NewFromString(asset.AvailableBalance)
		if err != nil {
			return Balance{}, fmt.Errorf("exchange: 解析可用余额失败: %w", err)
		}
		return Balance{Asset: "USDT", Available: available, Total: total}, nil
	}
	return Balance{}, errors.New("exchange: 账户中没有 USDT 资产")
}

// PlaceOrder 提交一张 GTC 限价单
func (e *LiveExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, price, quantity decimal.Decimal, clientOrderID string) (*PlacedOrder, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(quantity.String()).
		Price(price.String())
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	return &PlacedOrder{
		ExchangeOrderID: resp.OrderID,
		ClientOrderID:   resp.ClientOrderID,
		Status:          statusFromBinance(resp.Status),
	}, nil
}

// CancelOrder 按交易所订单ID取消订单。订单已不存在时返回 ErrOrderNotFound
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(exchangeOrderID).Do(ctx)
	if err != nil {
		return mapAPIError(err)
	}
	return nil
}

// GetOpenOrders 查询交易对下所有未完成订单
func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	result := make([]OrderDetail, 0, len(orders))
	for _, o := range orders {
		detail, err := toOrderDetail(o)
		if err != nil {
			return nil, err
		}
		result = append(result, *detail)
	}
	return result, nil
}

// GetOrder 查询单个订单。优先使用交易所订单ID，为 0 时退回 clientOrderID
func (e *LiveExchange) GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*OrderDetail, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := e.client.NewGetOrderService().Symbol(symbol)
	if exchangeOrderID > 0 {
		svc = svc.OrderID(exchangeOrderID)
	} else {
		svc = svc.OrigClientOrderID(clientOrderID)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	return toOrderDetail(o)
}

// toOrderDetail 把币安订单结构转换为内部快照
func toOrderDetail(o *futures.Order) (*OrderDetail, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return nil, fmt.Errorf("exchange: 解析订单价格失败: %w", err)
	}
	qty, err := decimal.NewFromString(o.OrigQuantity)
	if err != nil {
		return nil, fmt.Errorf("exchange: 解析订单数量失败: %w", err)
	}
	executed, err := decimal.NewFromString(o.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("exchange: 解析已成交数量失败: %w", err)
	}
	avg := decimal.Zero
	if o.AvgPrice != "" {
		avg, err = decimal.NewFromString(o.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("exchange: 解析成交均价失败: %w", err)
		}
	}
	return &OrderDetail{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            sideFromBinance(o.Side),
		Price:           price,
		Quantity:        qty,
		ExecutedQty:     executed,
		AvgPrice:        avg,
		Status:          statusFromBinance(o.Status),
		UpdatedAt:       time.UnixMilli(o.UpdateTime),
	}, nil
}

func sideFromBinance(s futures.SideType) models.Side {
	if s == futures.SideTypeSell {
		return models.Sell
	}
	return models.Buy
}

// statusFromBinance 把币安订单状态映射到内部状态机。
// 部分成交仍视为挂单中，网格订单要么完全成交要么继续等待。
func statusFromBinance(s futures.OrderStatusType) models.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return models.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return models.OrderCanceled
	case futures.OrderStatusTypeRejected:
		return models.OrderFailed
	default:
		return models.OrderNew
	}
}

// mapAPIError 把币安错误码映射到内部错误类型。
// -2011/-2013 订单不存在；-1013/-2010/-2019/-4164 是明确拒绝。
func mapAPIError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -2011, -2013:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
	case -1013, -2010, -2019, -4164:
		return &RejectionError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
