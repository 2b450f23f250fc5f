package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-multigrid-bot/internal/exchange"
	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
	"binance-multigrid-bot/internal/persistence"
)

// Reconciler 周期性地把本地槽位表与交易所的实际挂单对齐。
// 成交检测完全依赖对账：本地认为活跃但交易所已不存在的订单，
// 逐张查询终态后分别处理。对账是幂等的：两次连续对账之间
// 世界没有变化时，第二次不产生任何写入。
type Reconciler struct {
	cfg       *models.Config
	exchange  exchange.Exchange
	repo      persistence.Repository
	lifecycle *LifecycleManager

	// 已经告警过的交易所多余订单，避免每个周期重复刷日志
	seenUntracked map[int64]bool
}

func NewReconciler(cfg *models.Config, ex exchange.Exchange, repo persistence.Repository, lifecycle *LifecycleManager) *Reconciler {
	return &Reconciler{
		cfg:           cfg,
		exchange:      ex,
		repo:          repo,
		lifecycle:     lifecycle,
		seenUntracked: make(map[int64]bool),
	}
}

// Reconcile 执行一轮对账。分三类处理：
//   - 本地活跃但交易所已消失的订单：查询终态，成交则走成交流程，
//     取消则释放槽位，查无此单按取消处理
//   - 超时未确认的 PENDING 订单：查询后提升为 NEW 或标记 FAILED
//   - 交易所存在但本地不认识的订单：仅告警记录，绝不自动接管
func (r *Reconciler) Reconcile(ctx context.Context, bands map[models.GridBand]*bandState) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.CallTimeoutSec)*time.Second)
	open, err := r.exchange.GetOpenOrders(callCtx, r.cfg.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("查询交易所挂单失败: %w", err)
	}

	openByID := make(map[int64]exchange.OrderDetail, len(open))
	openByClientID := make(map[string]exchange.OrderDetail, len(open))
	for _, o := range open {
		openByID[o.ExchangeOrderID] = o
		if o.ClientOrderID != "" {
			openByClientID[o.ClientOrderID] = o
		}
	}

	localClientIDs := make(map[string]bool)
	for _, bs := range bands {
		for _, order := range bs.orders() {
			localClientIDs[order.ID] = true
		}
	}

	for _, bs := range bands {
		for _, order := range bs.orders() {
			if err := r.reconcileOrder(ctx, bs, order, openByID, openByClientID); err != nil {
				logger.S().Errorf("对账订单 %s 出错: %v", order.ID, err)
			}
		}
	}

	r.reportUntracked(open, localClientIDs)
	return nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, bs *bandState, order *models.Order, openByID map[int64]exchange.OrderDetail, openByClientID map[string]exchange.OrderDetail) error {
	switch order.Status {
	case models.OrderPending:
		return r.reconcilePending(ctx, bs, order, openByClientID)
	case models.OrderNew:
		if _, ok := openByID[order.ExchangeOrderID]; ok {
			return nil // 仍在挂单中，无需处理
		}
		return r.resolveMissing(ctx, bs, order)
	}
	return nil
}

// reconcilePending 处理提交后一直未确认的订单。
// 未超时的留给下个周期；超时的查询一次终态再定论
func (r *Reconciler) reconcilePending(ctx context.Context, bs *bandState, order *models.Order, openByClientID map[string]exchange.OrderDetail) error {
	if detail, ok := openByClientID[order.ID]; ok {
		// 交易所已接受，补上确认
		order.ExchangeOrderID = detail.ExchangeOrderID
		order.Status = models.OrderNew
		if err := r.repo.UpdateOrder(order); err != nil {
			return err
		}
		logger.S().Infof("对账确认订单 %s (交易所ID %d)", order.ID, detail.ExchangeOrderID)
		return nil
	}

	if time.Since(order.CreatedAt) < time.Duration(r.cfg.PendingTimeoutSec)*time.Second {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.CallTimeoutSec)*time.Second)
	detail, err := r.exchange.GetOrder(callCtx, order.Symbol, order.ExchangeOrderID, order.ID)
	cancel()
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			// 确认超时且交易所查无此单，判定为提交失败
			order.Status = models.OrderFailed
			if uerr := r.repo.UpdateOrder(order); uerr != nil {
				return uerr
			}
			bs.release(slotKey{Side: order.Side, Index: order.SlotIndex})
			r.logEvent("WARNING", "PENDING 订单确认超时，标记失败", order)
			return nil
		}
		return err
	}
	return r.applyDetail(ctx, bs, order, detail)
}

// resolveMissing 处理本地活跃但已不在交易所挂单列表中的订单
func (r *Reconciler) resolveMissing(ctx context.Context, bs *bandState, order *models.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.CallTimeoutSec)*time.Second)
	detail, err := r.exchange.GetOrder(callCtx, order.Symbol, order.ExchangeOrderID, order.ID)
	cancel()
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			// 交易所彻底查无此单（撤单后归档等），按取消处理
			order.Status = models.OrderCanceled
			if uerr := r.repo.UpdateOrder(order); uerr != nil {
				return uerr
			}
			bs.release(slotKey{Side: order.Side, Index: order.SlotIndex})
			r.logEvent("WARNING", "本地活跃订单在交易所查无此单，按取消处理", order)
			return nil
		}
		return err
	}
	return r.applyDetail(ctx, bs, order, detail)
}

// applyDetail 把交易所侧的订单终态应用到本地
func (r *Reconciler) applyDetail(ctx context.Context, bs *bandState, order *models.Order, detail *exchange.OrderDetail) error {
	switch detail.Status {
	case models.OrderFilled:
		// 优先用交易所报告的成交均价，缺失时退回挂单价
		fillPrice := detail.AvgPrice
		if fillPrice.IsZero() {
			fillPrice = detail.Price
		}
		if fillPrice.IsZero() {
			fillPrice = order.Price
		}
		r.logEvent("INFO", "对账检测到订单成交", order)
		return r.lifecycle.OnFilled(ctx, bs, order, fillPrice)
	case models.OrderCanceled, models.OrderFailed:
		order.Status = detail.Status
		if err := r.repo.UpdateOrder(order); err != nil {
			return err
		}
		bs.release(slotKey{Side: order.Side, Index: order.SlotIndex})
		r.logEvent("INFO", "对账检测到订单已终止", order)
		return nil
	default:
		// 仍然活跃：补齐交易所ID并确认
		if order.Status == models.OrderPending || order.ExchangeOrderID == 0 {
			order.ExchangeOrderID = detail.ExchangeOrderID
			order.Status = models.OrderNew
			return r.repo.UpdateOrder(order)
		}
		return nil
	}
}

// reportUntracked 对交易所存在但本地不认识的挂单告警一次。
// 这类订单可能来自人工操作或旧实例，自动接管或取消都太危险
func (r *Reconciler) reportUntracked(open []exchange.OrderDetail, localClientIDs map[string]bool) {
	for _, o := range open {
		if localClientIDs[o.ClientOrderID] {
			continue
		}
		if r.seenUntracked[o.ExchangeOrderID] {
			continue
		}
		r.seenUntracked[o.ExchangeOrderID] = true
		logger.S().Warnf("交易所存在未跟踪订单: id=%d clientId=%s %s %s@%s",
			o.ExchangeOrderID, o.ClientOrderID, o.Side, o.Quantity, o.Price)
		if err := r.repo.AppendLog(&models.LogEvent{
			Timestamp: time.Now(),
			Level:     "WARNING",
			Component: "reconciler",
			Message:   "untracked exchange order",
			Details: map[string]any{
				"exchange_order_id": o.ExchangeOrderID,
				"client_order_id":   o.ClientOrderID,
				"side":              string(o.Side),
				"price":             o.Price.String(),
				"quantity":          o.Quantity.String(),
			},
		}); err != nil {
			logger.S().Errorf("写入审计日志失败: %v", err)
		}
	}
}

func (r *Reconciler) logEvent(level, message string, order *models.Order) {
	if err := r.repo.AppendLog(&models.LogEvent{
		Timestamp: time.Now(),
		Level:     level,
		Component: "reconciler",
		Message:   message,
		Details: map[string]any{
			"order_id":          order.ID,
			"exchange_order_id": order.ExchangeOrderID,
			"band":              string(order.Band),
			"side":              string(order.Side),
			"slot_index":        order.SlotIndex,
			"price":             order.Price.String(),
		},
	}); err != nil {
		logger.S().Errorf("写入审计日志失败: %v", err)
	}
}
