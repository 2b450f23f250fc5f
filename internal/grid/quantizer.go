package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinQtyPolicy 决定数量向下对齐后低于交易所最小数量时的处理方式
type MinQtyPolicy string

const (
	// PolicyReject 拒绝下单并返回 ErrInsufficientNotional
	PolicyReject MinQtyPolicy = "reject"
	// PolicyClamp 抬升到最小数量下单（实际名义价值会高于配置值）
	PolicyClamp MinQtyPolicy = "clamp"
)

// ErrInsufficientNotional 表示按配置的名义价值算出的数量低于
// 交易所最小数量，且策略为 reject
var ErrInsufficientNotional = errors.New("grid: 名义价值不足以满足最小下单数量")

// ComputeQuantity 根据目标名义价值和价格计算下单数量：
// qty = notional/price 向下对齐到 lotStep。对齐后低于 minQty 时
// 按策略处理，绝不静默跳过。
func ComputeQuantity(notional, price, lotStep, minQty decimal.Decimal, policy MinQtyPolicy) (decimal.Decimal, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("grid: 价格必须大于 0, got %s", price)
	}
	if lotStep.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("grid: lotStep 必须大于 0, got %s", lotStep)
	}

	qty := notional.Div(price).Div(lotStep).Floor().Mul(lotStep)
	if qty.GreaterThanOrEqual(minQty) && qty.GreaterThan(decimal.Zero) {
		return qty, nil
	}

	switch policy {
	case PolicyClamp:
		if minQty.GreaterThan(decimal.Zero) {
			return minQty, nil
		}
		return decimal.Zero, fmt.Errorf("%w (qty=%s, minQty 未配置)", ErrInsufficientNotional, qty)
	default:
		return decimal.Zero, fmt.Errorf("%w (qty=%s, minQty=%s)", ErrInsufficientNotional, qty, minQty)
	}
}
