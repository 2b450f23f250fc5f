package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/exchange"
	"binance-multigrid-bot/internal/grid"
	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
	"binance-multigrid-bot/internal/persistence"
	"binance-multigrid-bot/internal/risk"
)

// ErrNotRestartable 表示引擎处于紧急停止状态，需要人工介入后重建实例
var ErrNotRestartable = errors.New("engine: 紧急停止后不可重启")

// Engine 是三层网格的总控。
// 状态机: STOPPED -> INITIALIZING -> RUNNING -> (STOPPED | EMERGENCY_STOPPED)。
// 控制循环独占槽位表：所有槽位读写都发生在持有 mu 的周期内，
// 外部读者只拿每个周期末尾发布的快照。
type Engine struct {
	cfg        *models.Config
	exchange   exchange.Exchange
	repo       persistence.Repository
	lifecycle  *LifecycleManager
	reconciler *Reconciler
	evaluator  *risk.Evaluator
	notifier   Notifier // 可为 nil

	// mu 保护状态机、槽位表和控制循环的整个周期
	mu        sync.Mutex
	state     models.EngineState
	bands     map[models.GridBand]*bandState
	startedAt time.Time
	lastSync  time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	priceMu sync.RWMutex
	price   decimal.Decimal
	priceAt time.Time

	statusMu   sync.RWMutex
	lastStatus models.EngineStatus
	lastOrders []models.Order
}

// NewEngine 组装引擎。所有协作方都通过参数注入，便于在测试中替换
func NewEngine(cfg *models.Config, ex exchange.Exchange, repo persistence.Repository, lifecycle *LifecycleManager, reconciler *Reconciler, notifier Notifier) *Engine {
	bands := make(map[models.GridBand]*bandState, 3)
	for _, band := range models.AllBands() {
		bands[band] = newBandState(band, cfg.Band(band))
	}
	return &Engine{
		cfg:        cfg,
		exchange:   ex,
		repo:       repo,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		evaluator: &risk.Evaluator{
			MaxDrawdownPct: cfg.MaxDrawdownPct,
			StopLossPct:    cfg.StopLossPct,
		},
		notifier: notifier,
		bands:    bands,
	}
}

// SetPrice 接收行情流推送的最新价。可从任意goroutine调用
func (e *Engine) SetPrice(p decimal.Decimal) {
	e.priceMu.Lock()
	e.price = p
	e.priceAt = time.Now()
	e.priceMu.Unlock()
}

func (e *Engine) currentPrice() (decimal.Decimal, time.Time) {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	return e.price, e.priceAt
}

// Start 同步完成初始化（恢复历史订单、取价、铺设三层网格），
// 成功后启动控制循环。只能从 STOPPED 状态启动
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case models.EngineEmergencyStopped:
		return ErrNotRestartable
	case models.EngineStopped, "":
	default:
		return fmt.Errorf("engine: 当前状态 %s 不能启动", e.state)
	}
	e.state = models.EngineInitializing
	e.lifecycle.Resume()

	if err := e.initialize(ctx); err != nil {
		e.state = models.EngineStopped
		e.lifecycle.Halt()
		return err
	}

	e.state = models.EngineRunning
	e.startedAt = time.Now()
	price, _ := e.currentPrice()
	e.publishSnapshot(price)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer cancel()
		e.controlLoop(loopCtx)
	}()

	logger.S().Infof("引擎已启动: %s", e.cfg.Symbol)
	if e.notifier != nil {
		e.notifier.NotifyEngine(fmt.Sprintf("网格引擎已启动: %s", e.cfg.Symbol))
	}
	return nil
}

// initialize 恢复持久化的活跃订单并铺设初始网格。调用方持有 mu
func (e *Engine) initialize(ctx context.Context) error {
	// 崩溃恢复：把上次运行留下的活跃订单装回槽位表，
	// 后续对账会核实它们在交易所的真实状态
	restored, err := e.repo.GetActiveOrders("")
	if err != nil {
		return fmt.Errorf("恢复活跃订单失败: %w", err)
	}
	for _, order := range restored {
		bs, ok := e.bands[order.Band]
		if !ok {
			logger.S().Warnf("忽略未知层级的历史订单 %s (%s)", order.ID, order.Band)
			continue
		}
		if err := bs.occupy(order); err != nil {
			logger.S().Warnf("历史订单 %s 无法装回槽位: %v", order.ID, err)
		}
	}
	if len(restored) > 0 {
		logger.S().Infof("恢复了 %d 张活跃订单", len(restored))
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.CallTimeoutSec)*time.Second)
	price, err := e.exchange.GetPrice(callCtx, e.cfg.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("获取初始价格失败: %w", err)
	}
	e.SetPrice(price)

	for _, band := range models.AllBands() {
		bs := e.bands[band]
		if bs.centerPrice.IsZero() {
			bs.centerPrice = price
		}
		e.placeLadder(ctx, bs, price)
	}

	e.publishSnapshot(price)
	return nil
}

// controlLoop 是唯一推进引擎的goroutine
func (e *Engine) controlLoop(ctx context.Context) {
	defer close(e.done)

	interval := time.Duration(e.cfg.CheckIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.runCycle(ctx) {
				return
			}
		}
	}
}

// runCycle 执行一个控制周期：价格 -> 对账 -> 风险 -> 完整性维护。
// 返回 false 表示循环应当退出
func (e *Engine) runCycle(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != models.EngineRunning {
		return false
	}

	price := e.refreshPrice(ctx)
	if price.IsZero() {
		logger.S().Warn("本周期没有可用价格，跳过")
		return true
	}

	if time.Since(e.lastSync) >= time.Duration(e.cfg.SyncIntervalSec)*time.Second {
		if err := e.reconciler.Reconcile(ctx, e.bands); err != nil {
			logger.S().Errorf("对账失败: %v", err)
		} else {
			e.lastSync = time.Now()
		}
	}

	if breach := e.checkRisk(ctx); breach != nil {
		e.emergencyStopLocked(ctx, breach.String())
		return false
	}

	// 各层级互相独立，可以并行维护；层内操作保持串行
	var wg sync.WaitGroup
	for _, band := range models.AllBands() {
		bs := e.bands[band]
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.maintainBand(ctx, bs, price)
		}()
	}
	wg.Wait()

	e.publishSnapshot(price)
	return true
}

// refreshPrice 返回最新价。行情流超过一个对账周期没有更新时
// 退回 REST 取价
func (e *Engine) refreshPrice(ctx context.Context) decimal.Decimal {
	price, at := e.currentPrice()
	stale := time.Duration(e.cfg.SyncIntervalSec) * time.Second
	if !price.IsZero() && time.Since(at) < stale {
		return price
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.CallTimeoutSec)*time.Second)
	fresh, err := e.exchange.GetPrice(callCtx, e.cfg.Symbol)
	cancel()
	if err != nil {
		logger.S().Warnf("REST 取价失败: %v", err)
		return price
	}
	e.SetPrice(fresh)
	return fresh
}

// checkRisk 拉取余额做风险评估，触发限制时返回 Breach
func (e *Engine) checkRisk(ctx context.Context) *risk.Breach {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.CallTimeoutSec)*time.Second)
	balance, err := e.exchange.GetAccountBalance(callCtx)
	cancel()
	if err != nil {
		// 拿不到余额时不触发风控，下个周期重试
		logger.S().Warnf("查询余额失败，跳过本周期风险评估: %v", err)
		return nil
	}
	_, _, pnl := e.lifecycle.Stats()
	return e.evaluator.Evaluate(balance.Total, e.cfg.InitialBalance, pnl)
}

// maintainBand 维护单个层级：必要时整层重建，否则补齐可以
// 安全挂出的空档
func (e *Engine) maintainBand(ctx context.Context, bs *bandState, price decimal.Decimal) {
	now := time.Now()
	holdFor := 5 * time.Minute
	cooldown := time.Duration(e.cfg.RebuildCooldownSec) * time.Second

	if bs.needsRebuild(e.cfg.IntegrityThreshold, holdFor, cooldown, now) {
		e.rebuildBand(ctx, bs, price)
		return
	}
	e.placeLadder(ctx, bs, price)
}

// placeLadder 按当前中心价的阶梯补齐空槽。
// 已被价格穿越的档位不补：立即成交的挂单只会空烧手续费，
// 这类空档留给整层重建处理
func (e *Engine) placeLadder(ctx context.Context, bs *bandState, price decimal.Decimal) {
	ladder := grid.ComputeLadder(bs.centerPrice, bs.params.RangePct, bs.params.SpacingPct, e.cfg.MaxRungsPerSide, e.cfg.PriceTick)
	for _, rung := range ladder.Rungs() {
		if rung.Side == models.Buy && price.LessThanOrEqual(rung.Price) {
			continue
		}
		if rung.Side == models.Sell && price.GreaterThanOrEqual(rung.Price) {
			continue
		}
		if err := e.lifecycle.Place(ctx, bs, rung.Side, rung.SlotIndex, rung.Price); err != nil {
			if errors.Is(err, ErrPlacementHalted) {
				return
			}
			logger.S().Warnf("层级 %s 补挂 %s#%d 失败: %v", bs.band, rung.Side, rung.SlotIndex, err)
		}
	}
}

// rebuildBand 整层重建：取消本层所有订单，围绕当前价重新铺设
func (e *Engine) rebuildBand(ctx context.Context, bs *bandState, price decimal.Decimal) {
	logger.S().Warnf("层级 %s 完整性 %.1f%% 持续过低，整层重建 (中心价 %s -> %s)",
		bs.band, bs.integrity(), bs.centerPrice, price)

	for _, order := range bs.orders() {
		if err := e.lifecycle.Cancel(ctx, bs, order); err != nil {
			logger.S().Errorf("重建时取消订单 %s 失败: %v", order.ID, err)
		}
	}

	bs.centerPrice = price
	e.placeLadder(ctx, bs, price)
	bs.markRebuilt(time.Now())

	if err := e.repo.AppendLog(&models.LogEvent{
		Timestamp: time.Now(),
		Level:     "WARNING",
		Component: "engine",
		Message:   "band rebuilt",
		Details: map[string]any{
			"band":         string(bs.band),
			"center_price": price.String(),
		},
	}); err != nil {
		logger.S().Errorf("写入审计日志失败: %v", err)
	}
}

// Stop 协作式停机：停止控制循环和新下单，已挂出的订单留在
// 交易所继续有效。进行中的操作会完成并落库
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != models.EngineRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = models.EngineStopped
	e.lifecycle.Halt()
	price, _ := e.currentPrice()
	e.publishSnapshot(price)
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.S().Info("引擎已停止，挂单保留在交易所")
	if e.notifier != nil {
		e.notifier.NotifyEngine("网格引擎已停止，挂单保留")
	}
	return nil
}

// EmergencyStop 紧急停止：取消所有挂单并进入终态。
// 之后这个实例不能再启动
func (e *Engine) EmergencyStop(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.state == models.EngineEmergencyStopped {
		e.mu.Unlock()
		return
	}
	e.emergencyStopLocked(ctx, reason)
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// emergencyStopLocked 执行紧急停止动作。调用方持有 mu
func (e *Engine) emergencyStopLocked(ctx context.Context, reason string) {
	logger.S().Errorf("紧急停止: %s", reason)
	e.state = models.EngineEmergencyStopped
	e.lifecycle.Halt()

	for _, bs := range e.bands {
		for _, order := range bs.orders() {
			if err := e.lifecycle.Cancel(ctx, bs, order); err != nil {
				logger.S().Errorf("紧急停止时取消订单 %s 失败: %v", order.ID, err)
			}
		}
	}

	if err := e.repo.AppendLog(&models.LogEvent{
		Timestamp: time.Now(),
		Level:     "ERROR",
		Component: "engine",
		Message:   "emergency stop",
		Details:   map[string]any{"reason": reason},
	}); err != nil {
		logger.S().Errorf("写入审计日志失败: %v", err)
	}

	price, _ := e.currentPrice()
	e.publishSnapshot(price)

	if e.notifier != nil {
		e.notifier.NotifyRisk(fmt.Sprintf("紧急停止: %s", reason))
	}
}

// publishSnapshot 发布本周期的状态快照供外部读者使用。
// 调用方持有 mu
func (e *Engine) publishSnapshot(price decimal.Decimal) {
	created, filled, pnl := e.lifecycle.Stats()

	status := models.EngineStatus{
		State:         e.state,
		Running:       e.state == models.EngineRunning,
		Symbol:        e.cfg.Symbol,
		CurrentPrice:  price,
		OrdersCreated: created,
		OrdersFilled:  filled,
		RealizedPnL:   pnl,
		LastUpdate:    time.Now(),
	}
	if !e.startedAt.IsZero() {
		status.Uptime = time.Since(e.startedAt)
	}

	var orders []models.Order
	for _, band := range models.AllBands() {
		bs := e.bands[band]
		status.Bands = append(status.Bands, bs.status())
		status.ActiveOrders += bs.activeCount()
		for _, o := range bs.orders() {
			orders = append(orders, *o)
		}
	}

	e.statusMu.Lock()
	e.lastStatus = status
	e.lastOrders = orders
	e.statusMu.Unlock()
}

// Status 返回最近一个周期发布的状态快照
func (e *Engine) Status() models.EngineStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.lastStatus
}

// ActiveOrders 返回最近一个周期的活跃订单快照
func (e *Engine) ActiveOrders() []models.Order {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	out := make([]models.Order, len(e.lastOrders))
	copy(out, e.lastOrders)
	return out
}
