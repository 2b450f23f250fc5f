package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/exchange"
	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
)

// CapitalManager 按各层级权重把账户资金划分为层级额度，
// 周期性地根据最新余额重算并发布快照。数据单向流动：
// 生命周期管理器在下单前读取额度，资金管理器从不回调引擎
type CapitalManager struct {
	cfg      *models.Config
	exchange exchange.Exchange

	mu    sync.RWMutex
	alloc map[models.GridBand]decimal.Decimal
}

// NewCapitalManager 创建资金管理器并按初始资金计算首个分配快照
func NewCapitalManager(cfg *models.Config, ex exchange.Exchange) *CapitalManager {
	m := &CapitalManager{
		cfg:      cfg,
		exchange: ex,
		alloc:    make(map[models.GridBand]decimal.Decimal),
	}
	m.recompute(cfg.InitialBalance)
	return m
}

// Allocation 返回层级的最新资金额度。实现 AllocationSource
func (m *CapitalManager) Allocation(band models.GridBand) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alloc[band]
}

// Refresh 拉取最新余额并重算分配
func (m *CapitalManager) Refresh(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.CallTimeoutSec)*time.Second)
	balance, err := m.exchange.GetAccountBalance(callCtx)
	cancel()
	if err != nil {
		return err
	}
	m.recompute(balance.Total)
	return nil
}

// recompute 按权重切分总资金。权重和为 0 时保留旧快照
func (m *CapitalManager) recompute(total decimal.Decimal) {
	weightSum := decimal.Zero
	for _, band := range models.AllBands() {
		weightSum = weightSum.Add(m.cfg.Band(band).Weight)
	}
	if weightSum.LessThanOrEqual(decimal.Zero) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, band := range models.AllBands() {
		m.alloc[band] = total.Mul(m.cfg.Band(band).Weight).Div(weightSum)
	}
}

// Run 周期性刷新分配，直到 ctx 取消。阻塞调用
func (m *CapitalManager) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.CapitalIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				logger.S().Warnf("刷新资金分配失败: %v", err)
			}
		}
	}
}
