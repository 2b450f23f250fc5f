package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"binance-multigrid-bot/internal/api"
	"binance-multigrid-bot/internal/config"
	"binance-multigrid-bot/internal/engine"
	"binance-multigrid-bot/internal/exchange"
	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
	"binance-multigrid-bot/internal/notifier"
	"binance-multigrid-bot/internal/persistence"
	"binance-multigrid-bot/internal/reporter"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live or sim (overrides config)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 加载.env和配置文件时就需要记录日志，先用默认配置初始化一次
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	switch *mode {
	case "":
	case "sim":
		cfg.SimMode = true
	case "live":
		cfg.SimMode = false
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'sim'。", *mode)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	run(cfg)
}

func run(cfg *models.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 持久层 ---
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开数据库失败: %v", err)
	}
	defer repo.Close()

	// --- 交易所 ---
	var ex exchange.Exchange
	var sim *exchange.SimExchange
	if cfg.SimMode {
		logger.S().Info("--- 启动模拟模式 ---")
		sim = exchange.NewSimExchange(cfg.SimStartPrice, cfg.InitialBalance, cfg.CommissionRate)
		ex = sim
	} else {
		logger.S().Info("--- 启动实时交易模式 ---")
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
		}
		ex = exchange.NewLiveExchange(apiKey, secretKey)
	}

	// --- 通知 ---
	var notify engine.Notifier
	if cfg.EnableNotifications {
		tg, err := newTelegramFromEnv()
		if err != nil {
			logger.S().Warnf("Telegram 初始化失败，通知已禁用: %v", err)
		} else if tg != nil {
			notify = tg
		}
	}

	// --- 引擎组装 ---
	capital := engine.NewCapitalManager(cfg, ex)
	lifecycle := engine.NewLifecycleManager(cfg, ex, repo, capital, notify)
	reconciler := engine.NewReconciler(cfg, ex, repo, lifecycle)
	eng := engine.NewEngine(cfg, ex, repo, lifecycle, reconciler, notify)

	if err := eng.Start(ctx); err != nil {
		logger.S().Fatalf("引擎启动失败: %v", err)
	}

	go capital.Run(ctx)

	// --- 行情 ---
	if cfg.SimMode {
		go runSimTicker(ctx, sim, eng, cfg.SimStartPrice)
	} else {
		stream := exchange.NewPriceStream(cfg.WSBaseURL, cfg.Symbol, eng.SetPrice)
		go stream.Run(ctx)
	}

	// --- 状态接口 ---
	var apiServer *api.Server
	if cfg.APIAddr != "" {
		apiServer = api.NewServer(cfg.APIAddr, eng, repo)
		go func() {
			logger.S().Infof("状态接口监听 %s", cfg.APIAddr)
			if err := apiServer.Start(); err != nil {
				logger.S().Errorf("状态接口异常退出: %v", err)
			}
		}()
	}

	// --- 等待中断信号以实现优雅退出 ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.S().Errorf("停止引擎出错: %v", err)
	}
	cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(stopCtx); err != nil {
			logger.S().Warnf("关闭状态接口出错: %v", err)
		}
	}

	reporter.PrintSummary(eng.Status(), repo)
	logger.S().Info("机器人已成功停止。")
}

// newTelegramFromEnv 从环境变量读取 Telegram 配置
func newTelegramFromEnv() (*notifier.Telegram, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatIDStr == "" {
		logger.S().Info("未配置 TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID，通知已禁用。")
		return nil, nil
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, err
	}
	return notifier.NewTelegram(token, chatID)
}

// runSimTicker 在模拟模式下生成随机游走行情，
// 同时驱动模拟交易所的撮合和引擎的价格
func runSimTicker(ctx context.Context, sim *exchange.SimExchange, eng *engine.Engine, start decimal.Decimal) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	price := start
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 每秒 ±0.1% 以内的随机波动
			drift := decimal.NewFromFloat((rng.Float64() - 0.5) * 0.002)
			price = price.Mul(decimal.NewFromInt(1).Add(drift))
			sim.SetPrice(price)
			eng.SetPrice(price)
		}
	}
}
