package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/exchange"
	"binance-multigrid-bot/internal/grid"
	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
	"binance-multigrid-bot/internal/persistence"
)

// ErrPlacementHalted 表示引擎已停止接受新订单（风险触发或正在停机）
var ErrPlacementHalted = errors.New("engine: 已停止下单")

// AllocationSource 提供各层级的最新资金分配额度。
// 返回 0 表示该层级无额度限制。实现方只发布快照，绝不回调引擎。
type AllocationSource interface {
	Allocation(band models.GridBand) decimal.Decimal
}

// Notifier 接收引擎产生的对外通知。实现必须非阻塞或快速返回
type Notifier interface {
	NotifyTrade(trade *models.Trade)
	NotifyRisk(message string)
	NotifyEngine(message string)
}

// bandSlot 全局唯一标识一个槽位，用于跨层的退避记录
type bandSlot struct {
	band models.GridBand
	key  slotKey
}

// stats 汇总生命周期统计，被控制循环写入、状态接口并发读取
type stats struct {
	mu          sync.Mutex
	created     int64
	filled      int64
	realizedPnL decimal.Decimal
}

func (s *stats) recordCreated() {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
}

func (s *stats) recordFill(profit decimal.Decimal) {
	s.mu.Lock()
	s.filled++
	s.realizedPnL = s.realizedPnL.Add(profit)
	s.mu.Unlock()
}

func (s *stats) snapshot() (created, filled int64, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.filled, s.realizedPnL
}

// LifecycleManager 负责单张订单的完整生命周期：
// 本地登记(PENDING) -> 提交交易所(NEW|FAILED) -> 成交处理与槽位重建。
// 自身不做重试，失败交给下个循环周期；对连续失败的槽位做指数退避，
// 避免每个周期都去撞同一个错误。
type LifecycleManager struct {
	cfg      *models.Config
	exchange exchange.Exchange
	repo     persistence.Repository
	alloc    AllocationSource // 可为 nil
	notifier Notifier         // 可为 nil

	stats stats

	haltMu sync.Mutex
	halted bool

	// mu 保护退避记录和ID序号：各层级的维护是并行的
	mu       sync.Mutex
	retryAt  map[bandSlot]time.Time
	backoffs map[bandSlot]*backoff.Backoff
	idSeq    uint64
}

// NewLifecycleManager 创建生命周期管理器。alloc 和 notifier 可为 nil
func NewLifecycleManager(cfg *models.Config, ex exchange.Exchange, repo persistence.Repository, alloc AllocationSource, notifier Notifier) *LifecycleManager {
	return &LifecycleManager{
		cfg:      cfg,
		exchange: ex,
		repo:     repo,
		alloc:    alloc,
		notifier: notifier,
		retryAt:  make(map[bandSlot]time.Time),
		backoffs: make(map[bandSlot]*backoff.Backoff),
	}
}

// Halt 停止接受新的下单请求。已挂出的订单不受影响
func (m *LifecycleManager) Halt() {
	m.haltMu.Lock()
	m.halted = true
	m.haltMu.Unlock()
}

// Resume 恢复下单
func (m *LifecycleManager) Resume() {
	m.haltMu.Lock()
	m.halted = false
	m.haltMu.Unlock()
}

func (m *LifecycleManager) isHalted() bool {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	return m.halted
}

// Stats 返回累计统计（创建数、成交数、已实现盈亏）
func (m *LifecycleManager) Stats() (created, filled int64, pnl decimal.Decimal) {
	return m.stats.snapshot()
}

// newOrderID 生成本地订单ID，同时用作交易所 clientOrderId。
// 时间戳加序号保证唯一，base62 保持ID紧凑
func (m *LifecycleManager) newOrderID(band models.GridBand) string {
	m.mu.Lock()
	m.idSeq++
	seq := m.idSeq
	m.mu.Unlock()
	nonce := time.Now().UnixMilli()<<16 | int64(seq&0xffff)
	return fmt.Sprintf("mg-%s-%s", bandShort(band), base62.FormatInt(nonce))
}

func bandShort(band models.GridBand) string {
	switch band {
	case models.BandHighFreq:
		return "hf"
	case models.BandMainTrend:
		return "mt"
	default:
		return "in"
	}
}

// Place 尝试在槽位上挂一张新限价单。
// 槽位被占用、处于退避期或超出资金分配时静默跳过（返回 nil），
// 这些都是下个周期会自然重试的正常情况；真正的失败才返回错误。
func (m *LifecycleManager) Place(ctx context.Context, bs *bandState, side models.Side, slotIndex int, price decimal.Decimal) error {
	return m.place(ctx, bs, side, slotIndex, price, 0)
}

// place 的 depth 参数限制"成交即重建又立即成交"的链条：
// 重建出的订单再次立即成交时只记录成交，不再继续重建，
// 留给完整性检查处理空槽
func (m *LifecycleManager) place(ctx context.Context, bs *bandState, side models.Side, slotIndex int, price decimal.Decimal, depth int) error {
	if m.isHalted() {
		return ErrPlacementHalted
	}

	key := slotKey{Side: side, Index: slotIndex}
	if bs.get(key) != nil || bs.inFlight[key] {
		return nil
	}

	gs := bandSlot{band: bs.band, key: key}
	if m.inBackoff(gs) {
		return nil
	}

	qty, err := grid.ComputeQuantity(bs.params.OrderSize, price, m.cfg.LotStep, m.cfg.MinQty, grid.MinQtyPolicy(m.cfg.MinQtyPolicy))
	if err != nil {
		if errors.Is(err, grid.ErrInsufficientNotional) {
			logger.S().Warnf("层级 %s 槽位 %s: %v", bs.band, key, err)
			return err
		}
		return err
	}

	notional := price.Mul(qty)
	if m.alloc != nil {
		if limit := m.alloc.Allocation(bs.band); limit.GreaterThan(decimal.Zero) {
			if bs.activeNotional().Add(notional).GreaterThan(limit) {
				logger.S().Debugf("层级 %s 资金额度不足，跳过槽位 %s (已占用 %s, 额度 %s)",
					bs.band, key, bs.activeNotional(), limit)
				return nil
			}
		}
	}

	order := &models.Order{
		ID:        m.newOrderID(bs.band),
		Symbol:    m.cfg.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Status:    models.OrderPending,
		Band:      bs.band,
		SlotIndex: slotIndex,
		CreatedAt: time.Now(),
	}

	// 先本地登记再提交，崩溃后对账能找回这张订单
	if err := m.repo.SaveOrder(order); err != nil {
		return fmt.Errorf("登记订单 %s 失败: %w", order.ID, err)
	}
	if err := bs.occupy(order); err != nil {
		return err
	}
	if !bs.markInFlight(key) {
		bs.release(key)
		return fmt.Errorf("engine: 槽位 %s 存在进行中的操作", key)
	}
	defer bs.clearInFlight(key)

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.CallTimeoutSec)*time.Second)
	placed, err := m.exchange.PlaceOrder(callCtx, order.Symbol, side, price, qty, order.ID)
	cancel()
	if err != nil {
		order.Status = models.OrderFailed
		if uerr := m.repo.UpdateOrder(order); uerr != nil {
			logger.S().Errorf("更新失败订单 %s 状态出错: %v", order.ID, uerr)
		}
		bs.release(key)
		m.bumpBackoff(gs)
		return fmt.Errorf("下单失败 %s %s@%s: %w", side, qty, price, err)
	}

	m.resetBackoff(gs)
	m.stats.recordCreated()

	order.ExchangeOrderID = placed.ExchangeOrderID
	order.Status = models.OrderNew
	if err := m.repo.UpdateOrder(order); err != nil {
		logger.S().Errorf("更新订单 %s 状态出错: %v", order.ID, err)
	}

	logger.S().Infof("挂单成功 [%s] %s %s@%s (槽位 %s, 订单 %s)",
		bs.band, side, qty, price, key, order.ID)

	// 价格已穿越挂单价时订单会立即成交。进入成交处理前先清掉
	// 本次下单的进行中标记，否则同槽重建会被自己的标记挡住
	if placed.Status == models.OrderFilled {
		bs.clearInFlight(key)
		return m.onFilled(ctx, bs, order, order.Price, depth)
	}
	return nil
}

// OnFilled 处理一张订单的成交：记录利润与成交、释放槽位，
// 并立即在同一槽位重建订单。
//
// 利润按半个间距估算：notional * spacing / 2 - commission。
// 这是单笔成交时的期望值口径，真实配对利润要等对向成交才知道，
// 长期累计值与逐笔配对口径一致。
func (m *LifecycleManager) OnFilled(ctx context.Context, bs *bandState, order *models.Order, fillPrice decimal.Decimal) error {
	return m.onFilled(ctx, bs, order, fillPrice, 0)
}

func (m *LifecycleManager) onFilled(ctx context.Context, bs *bandState, order *models.Order, fillPrice decimal.Decimal, depth int) error {
	key := slotKey{Side: order.Side, Index: order.SlotIndex}

	notional := fillPrice.Mul(order.Quantity)
	commission := notional.Mul(m.cfg.CommissionRate)
	profit := notional.Mul(bs.params.SpacingPct).Div(decimal.NewFromInt(2)).Sub(commission)

	now := time.Now()
	order.Status = models.OrderFilled
	order.FilledAt = now
	order.Profit = profit
	if err := m.repo.UpdateOrder(order); err != nil {
		return fmt.Errorf("更新成交订单 %s 失败: %w", order.ID, err)
	}
	bs.release(key)

	trade := &models.Trade{
		TradeID:    uuid.NewString(),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      fillPrice,
		Quantity:   order.Quantity,
		Commission: commission,
		Profit:     profit,
		Band:       order.Band,
		ExecutedAt: now,
	}
	if err := m.repo.SaveTrade(trade); err != nil {
		logger.S().Errorf("保存成交记录 %s 失败: %v", trade.TradeID, err)
	}
	m.stats.recordFill(profit)

	logger.S().Infof("订单成交 [%s] %s %s@%s 利润 %s (订单 %s)",
		order.Band, order.Side, order.Quantity, fillPrice, profit.StringFixed(4), order.ID)

	if m.notifier != nil {
		m.notifier.NotifyTrade(trade)
	}

	// 成交后立即重建同一槽位，保持网格密度
	if depth > 0 {
		return nil
	}
	if err := m.place(ctx, bs, order.Side, order.SlotIndex, order.Price, depth+1); err != nil {
		if errors.Is(err, ErrPlacementHalted) {
			return nil
		}
		return fmt.Errorf("重建槽位 %s 失败: %w", key, err)
	}
	return nil
}

// Cancel 取消一张活跃订单并释放槽位。
// 交易所已不存在该订单时视为取消成功
func (m *LifecycleManager) Cancel(ctx context.Context, bs *bandState, order *models.Order) error {
	key := slotKey{Side: order.Side, Index: order.SlotIndex}
	if !bs.markInFlight(key) {
		return fmt.Errorf("engine: 槽位 %s 存在进行中的操作", key)
	}
	defer bs.clearInFlight(key)

	if order.ExchangeOrderID > 0 {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.CallTimeoutSec)*time.Second)
		err := m.exchange.CancelOrder(callCtx, order.Symbol, order.ExchangeOrderID)
		cancel()
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return fmt.Errorf("取消订单 %s 失败: %w", order.ID, err)
		}
	}

	order.Status = models.OrderCanceled
	if err := m.repo.UpdateOrder(order); err != nil {
		logger.S().Errorf("更新取消订单 %s 状态出错: %v", order.ID, err)
	}
	bs.release(key)
	return nil
}

func (m *LifecycleManager) inBackoff(gs bandSlot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.retryAt[gs]
	return ok && time.Now().Before(until)
}

func (m *LifecycleManager) bumpBackoff(gs bandSlot) {
	m.mu.Lock()
	b, ok := m.backoffs[gs]
	if !ok {
		b = &backoff.Backoff{Min: 5 * time.Second, Max: 5 * time.Minute, Factor: 2, Jitter: true}
		m.backoffs[gs] = b
	}
	d := b.Duration()
	m.retryAt[gs] = time.Now().Add(d)
	m.mu.Unlock()
	logger.S().Warnf("层级 %s 槽位 %s 下单失败，退避 %s", gs.band, gs.key, d.Round(time.Millisecond))
}

func (m *LifecycleManager) resetBackoff(gs bandSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backoffs[gs]; ok {
		b.Reset()
	}
	delete(m.retryAt, gs)
}
