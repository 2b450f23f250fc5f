package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BandConfig 定义了单个网格层级的参数
type BandConfig struct {
	RangePct   decimal.Decimal `json:"range_pct"`   // 区间比例，0.03 表示 ±3%
	SpacingPct decimal.Decimal `json:"spacing_pct"` // 间距比例，0.005 表示 0.5%
	OrderSize  decimal.Decimal `json:"order_size"`  // 每个网格的名义价值 (USDT)
	Weight     decimal.Decimal `json:"weight"`      // 资金分配权重
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Config 结构体定义了机器人的所有配置参数。
// 启动时从 JSON 文件一次性解析并校验，之后按值传入各组件，
// 运行期间不再动态读取。
type Config struct {
	Symbol         string          `json:"symbol"`  // 交易对，如 "BTCUSDT"
	DBPath         string          `json:"db_path"` // 数据库目录路径
	InitialBalance decimal.Decimal `json:"initial_balance"`

	// 三层网格参数
	HighFreq  BandConfig `json:"high_freq"`
	MainTrend BandConfig `json:"main_trend"`
	Insurance BandConfig `json:"insurance"`

	// 交易规则（价格与数量精度）
	PriceTick    decimal.Decimal `json:"price_tick"`     // 价格最小变动单位
	LotStep      decimal.Decimal `json:"lot_step"`       // 数量步长
	MinQty       decimal.Decimal `json:"min_qty"`        // 最小下单数量
	MinQtyPolicy string          `json:"min_qty_policy"` // 数量低于最小值时的策略: "reject" 或 "clamp"

	MaxRungsPerSide int             `json:"max_rungs_per_side"` // 每侧最多档位数
	CommissionRate  decimal.Decimal `json:"commission_rate"`    // 手续费率，0.001 表示 0.1%

	// 风险控制
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"` // 最大回撤比例
	StopLossPct    decimal.Decimal `json:"stop_loss_pct"`    // 止损比例

	// 循环与超时（秒）
	CheckIntervalSec   int     `json:"check_interval_sec"`   // 主循环周期
	SyncIntervalSec    int     `json:"sync_interval_sec"`    // 对账周期
	PendingTimeoutSec  int     `json:"pending_timeout_sec"`  // PENDING 订单确认超时
	CallTimeoutSec     int     `json:"call_timeout_sec"`     // 单次交易所调用超时
	RebuildCooldownSec int     `json:"rebuild_cooldown_sec"` // 整层重建的最短间隔
	CapitalIntervalSec int     `json:"capital_interval_sec"` // 资金分配重算周期
	IntegrityThreshold float64 `json:"integrity_threshold"`  // 触发重建的完整性阈值（百分比）

	// 模拟模式
	SimMode       bool            `json:"sim_mode"`
	SimStartPrice decimal.Decimal `json:"sim_start_price"` // 模拟模式的初始价格

	// 外部接口
	APIAddr   string `json:"api_addr"`    // 状态接口监听地址，空则不启动
	WSBaseURL string `json:"ws_base_url"` // 行情 WebSocket 地址

	// 通知配置（token 与 chat id 从环境变量读取）
	EnableNotifications bool `json:"enable_notifications"`

	LogConfig LogConfig `json:"log"`
}

// Band 返回指定层级的参数
func (c *Config) Band(band GridBand) BandConfig {
	switch band {
	case BandHighFreq:
		return c.HighFreq
	case BandMainTrend:
		return c.MainTrend
	default:
		return c.Insurance
	}
}

// Validate 校验配置并填充默认值。任何会导致引擎行为未定义的
// 字段缺失都在这里报错，而不是留到运行期。
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol 不能为空")
	}
	if c.InitialBalance.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: initial_balance 必须大于 0")
	}
	for _, band := range AllBands() {
		p := c.Band(band)
		if p.SpacingPct.LessThanOrEqual(decimal.Zero) || p.RangePct.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("config: 层级 %s 的 range_pct/spacing_pct 必须大于 0", band)
		}
		if p.OrderSize.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("config: 层级 %s 的 order_size 必须大于 0", band)
		}
	}
	if c.PriceTick.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: price_tick 必须大于 0")
	}
	if c.LotStep.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: lot_step 必须大于 0")
	}
	switch c.MinQtyPolicy {
	case "":
		c.MinQtyPolicy = "reject"
	case "reject", "clamp":
	default:
		return fmt.Errorf("config: 未知的 min_qty_policy: %s", c.MinQtyPolicy)
	}
	if c.DBPath == "" {
		c.DBPath = "data/multigrid"
	}
	if c.MaxRungsPerSide <= 0 {
		c.MaxRungsPerSide = 50
	}
	if c.CommissionRate.IsZero() {
		c.CommissionRate = decimal.NewFromFloat(0.001)
	}
	if c.CheckIntervalSec <= 0 {
		c.CheckIntervalSec = 5
	}
	if c.SyncIntervalSec <= 0 {
		c.SyncIntervalSec = 30
	}
	if c.PendingTimeoutSec <= 0 {
		c.PendingTimeoutSec = 3600
	}
	if c.CallTimeoutSec <= 0 {
		c.CallTimeoutSec = 10
	}
	if c.RebuildCooldownSec <= 0 {
		c.RebuildCooldownSec = 300
	}
	if c.CapitalIntervalSec <= 0 {
		c.CapitalIntervalSec = 3600
	}
	if c.IntegrityThreshold <= 0 {
		c.IntegrityThreshold = 60
	}
	if c.SimMode && c.SimStartPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: 模拟模式必须设置 sim_start_price")
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = "wss://fstream.binance.com"
	}
	return nil
}
