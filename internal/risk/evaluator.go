package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BreachKind 标识触发的风险限制类型
type BreachKind string

const (
	BreachDrawdown BreachKind = "MAX_DRAWDOWN"
	BreachStopLoss BreachKind = "STOP_LOSS"
)

// Breach 描述一次风险限制触发，用于日志和通知
type Breach struct {
	Kind      BreachKind
	Current   decimal.Decimal // 当前比例（正数表示亏损幅度）
	Threshold decimal.Decimal
}

func (b *Breach) String() string {
	return fmt.Sprintf("%s: %s > %s", b.Kind, b.Current.StringFixed(4), b.Threshold.StringFixed(4))
}

// Evaluator 执行纯函数式的风险判断，不持有任何状态
type Evaluator struct {
	MaxDrawdownPct decimal.Decimal // 0 表示不启用
	StopLossPct    decimal.Decimal // 0 表示不启用
}

// Evaluate 对账户快照做风险评估。
// 回撤 = (initial - balance)/initial；止损看已实现亏损相对初始资金的比例。
// 只有严格超过阈值才触发，恰好等于阈值不算。两者同时触发时回撤优先；
// 未触发返回 nil。initial 不为正时视为无法评估，直接放行。
func (e *Evaluator) Evaluate(balance, initial, realizedPnL decimal.Decimal) *Breach {
	if initial.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	if e.MaxDrawdownPct.GreaterThan(decimal.Zero) {
		drawdown := initial.Sub(balance).Div(initial)
		if drawdown.GreaterThan(e.MaxDrawdownPct) {
			return &Breach{Kind: BreachDrawdown, Current: drawdown, Threshold: e.MaxDrawdownPct}
		}
	}

	if e.StopLossPct.GreaterThan(decimal.Zero) && realizedPnL.LessThan(decimal.Zero) {
		loss := realizedPnL.Neg().Div(initial)
		if loss.GreaterThan(e.StopLossPct) {
			return &Breach{Kind: BreachStopLoss, Current: loss, Threshold: e.StopLossPct}
		}
	}

	return nil
}
