package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-multigrid-bot/internal/logger"
)

// aggTradeEvent 是币安 aggTrade 推送中我们关心的字段
type aggTradeEvent struct {
	Price string `json:"p"`
}

// PriceStream 订阅币安合约的 aggTrade 行情流，把每笔成交价
// 推给回调。连接断开后自动重连，回调在流的读取goroutine中执行，
// 必须保持轻量。
type PriceStream struct {
	baseURL string
	symbol  string
	onPrice func(decimal.Decimal)
	log     *zap.SugaredLogger
}

// NewPriceStream 创建行情流。baseURL 形如 wss://fstream.binance.com
func NewPriceStream(baseURL, symbol string, onPrice func(decimal.Decimal)) *PriceStream {
	return &PriceStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbol:  symbol,
		onPrice: onPrice,
		log:     logger.Component("stream"),
	}
}

// Run 维持行情连接直到 ctx 取消。阻塞调用，应放在独立goroutine中
func (s *PriceStream) Run(ctx context.Context) {
	url := fmt.Sprintf("%s/ws/%s@aggTrade", s.baseURL, strings.ToLower(s.symbol))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.readLoop(ctx, url); err != nil {
			s.log.Warnf("行情流中断: %v, 5秒后重连", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// readLoop 建立一次连接并持续读取，直到出错或 ctx 取消
func (s *PriceStream) readLoop(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("连接 %s 失败: %w", url, err)
	}
	defer conn.Close()

	s.log.Infof("行情流已连接: %s", url)

	// 币安每3分钟发一次ping，需要及时回pong，否则连接会被服务端关闭
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// ctx 取消时关闭连接，打断阻塞中的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ev aggTradeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Debugf("忽略无法解析的行情消息: %v", err)
			continue
		}
		if ev.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(ev.Price)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		s.onPrice(price)
	}
}
