package reporter

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/models"
	"binance-multigrid-bot/internal/persistence"
)

// PrintSummary 在停机时输出运行总结：引擎状态、各层级概况
// 和最近的成交明细
func PrintSummary(status models.EngineStatus, repo persistence.Repository) {
	printStatusTable(status)
	printTradesTable(repo)
}

func printStatusTable(status models.EngineStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("运行总结 %s", status.Symbol)
	t.AppendRows([]table.Row{
		{"状态", string(status.State)},
		{"运行时长", status.Uptime.Round(time.Second).String()},
		{"最新价格", status.CurrentPrice.String()},
		{"创建订单数", status.OrdersCreated},
		{"成交订单数", status.OrdersFilled},
		{"已实现盈亏", status.RealizedPnL.StringFixed(4) + " USDT"},
	})
	t.Render()

	bt := table.NewWriter()
	bt.SetOutputMirror(os.Stdout)
	bt.AppendHeader(table.Row{"层级", "中心价", "活跃订单", "理论订单", "完整性"})
	for _, b := range status.Bands {
		bt.AppendRow(table.Row{
			string(b.Band),
			b.CenterPrice.String(),
			b.ActiveOrders,
			b.ExpectedOrders,
			decimal.NewFromFloat(b.Integrity).StringFixed(1) + "%",
		})
	}
	bt.Render()
}

func printTradesTable(repo persistence.Repository) {
	trades, err := repo.GetTrades(20)
	if err != nil || len(trades) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("最近成交 (最多20笔)")
	t.AppendHeader(table.Row{"时间", "层级", "方向", "价格", "数量", "手续费", "利润"})
	total := decimal.Zero
	for _, trade := range trades {
		t.AppendRow(table.Row{
			trade.ExecutedAt.Format("01-02 15:04:05"),
			string(trade.Band),
			string(trade.Side),
			trade.Price.String(),
			trade.Quantity.String(),
			trade.Commission.StringFixed(4),
			trade.Profit.StringFixed(4),
		})
		total = total.Add(trade.Profit)
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "合计", total.StringFixed(4)})
	t.Render()
}
