package grid

import (
	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/models"
)

// Rung 表示阶梯上的一个价格档位
type Rung struct {
	Side      models.Side
	Price     decimal.Decimal
	SlotIndex int // 自中心价向外计数，0 为最近档
}

// Ladder 是一次阶梯计算的结果，买卖两侧各自按离中心价
// 由近及远排序
type Ladder struct {
	Center decimal.Decimal
	Buys   []Rung
	Sells  []Rung
}

// Rungs 返回买卖两侧合并后的所有档位
func (l *Ladder) Rungs() []Rung {
	out := make([]Rung, 0, len(l.Buys)+len(l.Sells))
	out = append(out, l.Buys...)
	out = append(out, l.Sells...)
	return out
}

var one = decimal.NewFromInt(1)

// ComputeLadder 以乘法间距围绕中心价生成价格阶梯。
// 买侧第 k 档价格为 center*(1-spacing)^(k+1)，卖侧为 center*(1+spacing)^(k+1)，
// 超出 center*(1±range) 的档位被丢弃。所有价格向下对齐到 tick。
// 参数非法（中心价、间距、区间或 tick 不为正）时返回空阶梯，不报错：
// 调用方把空阶梯视为该层暂不可建。
func ComputeLadder(center, rangePct, spacingPct decimal.Decimal, maxRungsPerSide int, tick decimal.Decimal) Ladder {
	ladder := Ladder{Center: center}
	if center.LessThanOrEqual(decimal.Zero) ||
		rangePct.LessThanOrEqual(decimal.Zero) ||
		spacingPct.LessThanOrEqual(decimal.Zero) ||
		tick.LessThanOrEqual(decimal.Zero) ||
		maxRungsPerSide <= 0 {
		return ladder
	}

	down := one.Sub(spacingPct)
	up := one.Add(spacingPct)
	lower := center.Mul(one.Sub(rangePct))
	upper := center.Mul(one.Add(rangePct))

	// 买侧：center*(1-s)^k，降序远离中心
	price := center
	for k := 0; k < maxRungsPerSide; k++ {
		price = price.Mul(down)
		if price.LessThan(lower) {
			break
		}
		q := quantizeDown(price, tick)
		if q.LessThanOrEqual(decimal.Zero) {
			break
		}
		ladder.Buys = append(ladder.Buys, Rung{Side: models.Buy, Price: q, SlotIndex: k})
	}

	// 卖侧：center*(1+s)^k，升序远离中心
	price = center
	for k := 0; k < maxRungsPerSide; k++ {
		price = price.Mul(up)
		if price.GreaterThan(upper) {
			break
		}
		ladder.Sells = append(ladder.Sells, Rung{Side: models.Sell, Price: quantizeDown(price, tick), SlotIndex: k})
	}

	return ladder
}

// quantizeDown 将价格向下对齐到 tick 的整数倍
func quantizeDown(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Floor().Mul(tick)
}
