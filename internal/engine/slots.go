package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/models"
)

// slotKey 唯一标识一个层级内的网格槽位
type slotKey struct {
	Side  models.Side
	Index int
}

func (k slotKey) String() string {
	return fmt.Sprintf("%s#%d", k.Side, k.Index)
}

// bandState 持有单个网格层级的槽位表。
// 只能从控制循环（或其派发的本层worker）访问，层与层之间互不共享，
// 因此不需要锁。
//
// 槽位排他是核心不变式：同一槽位上最多有一张活跃订单或一个
// 进行中的操作标记，绝不同时有两个。
type bandState struct {
	band   models.GridBand
	params models.BandConfig

	centerPrice decimal.Decimal
	slots       map[slotKey]*models.Order
	inFlight    map[slotKey]bool

	expected    int       // 区间完整覆盖时的理论订单数
	lastRebuild time.Time // 最近一次整层重建时间
	lowSince    time.Time // 完整性跌破阈值的起始时刻，零值表示健康
}

func newBandState(band models.GridBand, params models.BandConfig) *bandState {
	expected := 0
	if params.SpacingPct.GreaterThan(decimal.Zero) {
		expected = int(params.RangePct.Div(params.SpacingPct).IntPart()) * 2
	}
	// 理论订单数上限，避免极端参数导致完整性永远偏低
	if expected > 100 {
		expected = 100
	}
	return &bandState{
		band:     band,
		params:   params,
		expected: expected,
		slots:    make(map[slotKey]*models.Order),
		inFlight: make(map[slotKey]bool),
	}
}

// occupy 把订单放入槽位。槽位已被占用时返回错误，调用方必须在
// 下单前检查，这里兜底保证不变式不被破坏
func (b *bandState) occupy(order *models.Order) error {
	key := slotKey{Side: order.Side, Index: order.SlotIndex}
	if existing, ok := b.slots[key]; ok {
		return fmt.Errorf("engine: 层级 %s 槽位 %s 已被订单 %s 占用", b.band, key, existing.ID)
	}
	b.slots[key] = order
	return nil
}

// release 释放槽位
func (b *bandState) release(key slotKey) {
	delete(b.slots, key)
}

// get 返回槽位上的订单，空槽返回 nil
func (b *bandState) get(key slotKey) *models.Order {
	return b.slots[key]
}

// markInFlight 标记槽位有进行中的操作。已有标记时返回 false
func (b *bandState) markInFlight(key slotKey) bool {
	if b.inFlight[key] {
		return false
	}
	b.inFlight[key] = true
	return true
}

func (b *bandState) clearInFlight(key slotKey) {
	delete(b.inFlight, key)
}

// activeCount 返回占用中的槽位数
func (b *bandState) activeCount() int {
	return len(b.slots)
}

// activeNotional 返回本层活跃订单占用的名义价值总和
func (b *bandState) activeNotional() decimal.Decimal {
	total := decimal.Zero
	for _, o := range b.slots {
		total = total.Add(o.Notional())
	}
	return total
}

// orders 返回槽位表的快照切片
func (b *bandState) orders() []*models.Order {
	out := make([]*models.Order, 0, len(b.slots))
	for _, o := range b.slots {
		out = append(out, o)
	}
	return out
}

// integrity 返回网格完整性百分比 (active/expected*100)，上限100
func (b *bandState) integrity() float64 {
	if b.expected == 0 {
		return 100
	}
	v := float64(b.activeCount()) / float64(b.expected) * 100
	if v > 100 {
		v = 100
	}
	return v
}

// needsRebuild 判断是否应当整层重建：完整性持续低于阈值超过
// holdFor，且距上次重建已超过冷却时间。健康时会清除低完整性计时
func (b *bandState) needsRebuild(threshold float64, holdFor, cooldown time.Duration, now time.Time) bool {
	if b.integrity() >= threshold {
		b.lowSince = time.Time{}
		return false
	}
	if b.lowSince.IsZero() {
		b.lowSince = now
		return false
	}
	if now.Sub(b.lowSince) < holdFor {
		return false
	}
	if !b.lastRebuild.IsZero() && now.Sub(b.lastRebuild) < cooldown {
		return false
	}
	return true
}

// markRebuilt 记录整层重建完成
func (b *bandState) markRebuilt(now time.Time) {
	b.lastRebuild = now
	b.lowSince = time.Time{}
}

// status 生成本层的状态快照
func (b *bandState) status() models.BandStatus {
	return models.BandStatus{
		Band:           b.band,
		CenterPrice:    b.centerPrice,
		ActiveOrders:   b.activeCount(),
		ExpectedOrders: b.expected,
		Integrity:      b.integrity(),
		LastRebuild:    b.lastRebuild,
	}
}
