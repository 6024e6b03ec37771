package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"hyperagent/internal/config"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，上层应放弃本次提交。
	ErrMaintenance = errors.New("hyperliquid: 交易所维护中")
	// ErrUnknownInstrument 表示请求的合约不在元数据中。
	ErrUnknownInstrument = errors.New("hyperliquid: 未知合约")
)

// Client 封装 Hyperliquid 交互：元数据、行情、账户快照与签名提交。
// 一个 Client 绑定一个签名身份，序号计数器归 Client 所有。
type Client struct {
	cfg      config.HyperliquidConfig
	logger   *zap.Logger
	exchange *ccxt.Hyperliquid

	marketsMu   sync.Mutex
	instruments map[string]Instrument

	// 同一签名身份的全局序号来源，必须原子分配。
	nonce atomic.Int64
}

// NewClient 构造 Hyperliquid 客户端。
func NewClient(cfg config.HyperliquidConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Wallet == "" || cfg.PrivateKey == "" {
		return nil, errors.New("hyperliquid: 需要配置 wallet_address 与 private_key")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"walletAddress":   cfg.Wallet,
		"privateKey":      cfg.PrivateKey,
	}

	ex := ccxt.NewHyperliquid(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}
	c.nonce.Store(time.Now().UnixMilli())
	return c, nil
}

// Wallet 返回绑定的签名身份地址。
func (c *Client) Wallet() string {
	return c.cfg.Wallet
}

// Instruments 返回全部合约元数据，首次调用时从交易所加载并缓存在进程内。
func (c *Client) Instruments(ctx context.Context) (map[string]Instrument, error) {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.instruments != nil {
		return c.instruments, nil
	}

	var markets map[string]ccxt.MarketInterface
	err := c.callWithRetry(ctx, "load_markets", func() error {
		loaded, loadErr := c.exchange.LoadMarkets()
		if loadErr != nil {
			return loadErr
		}
		markets = loaded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: 加载合约元数据失败: %w", err)
	}

	instruments := make(map[string]Instrument, len(markets))
	for symbol, market := range markets {
		// 只关心永续合约，跳过显式标记为非合约的市场。
		if market.Swap != nil && !*market.Swap {
			continue
		}
		inst := convertMarket(symbol, market)
		instruments[inst.Base] = inst
	}

	c.instruments = instruments
	c.logger.Info("合约元数据加载完成", zap.Int("count", len(instruments)))
	return instruments, nil
}

// MidPrice 获取单个合约的中间价：取买一卖一均值，缺失时退回最新成交价。
func (c *Client) MidPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		t, fetchErr := c.exchange.FetchTicker(symbol)
		if fetchErr != nil {
			return fetchErr
		}
		ticker = t
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("hyperliquid: 获取 %s 行情失败: %w", symbol, err)
	}

	bid := derefFloat(ticker.Bid)
	ask := derefFloat(ticker.Ask)
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2, nil
	}
	if last := derefFloat(ticker.Last); last > 0 {
		return last, nil
	}
	if last := derefFloat(ticker.Close); last > 0 {
		return last, nil
	}
	return 0, fmt.Errorf("hyperliquid: %s 无可用价格", symbol)
}

// SubmitOrder 提交一笔已归一化的委托，返回交易所订单号。
func (c *Client) SubmitOrder(ctx context.Context, session *Session, spec OrderSpec) (string, error) {
	if session == nil {
		return "", errors.New("hyperliquid: 缺少签名会话")
	}

	params := map[string]interface{}{
		"clientOrderId": clientOrderID(session.NextNonce()),
	}
	if spec.ReduceOnly {
		params["reduceOnly"] = true
	}

	orderType := spec.Type
	if spec.TriggerPrice > 0 {
		// 触发单以限价形式提交，触发价与方向由参数描述。
		orderType = "limit"
		params["triggerPrice"] = spec.TriggerPrice
		switch spec.TriggerType {
		case "tp":
			params["takeProfitPrice"] = spec.TriggerPrice
		case "sl":
			params["stopLossPrice"] = spec.TriggerPrice
		}
	}

	var placed ccxt.Order
	err := c.callWithRetry(ctx, "create_order", func() error {
		opts := []ccxt.CreateOrderOptions{
			ccxt.WithCreateOrderParams(params),
		}
		if spec.Price > 0 {
			opts = append(opts, ccxt.WithCreateOrderPrice(spec.Price))
		}
		order, createErr := c.exchange.CreateOrder(spec.Symbol, orderType, spec.Side, spec.Amount, opts...)
		if createErr != nil {
			return createErr
		}
		placed = order
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hyperliquid: 提交委托失败 (%s %s): %w", spec.Side, spec.Symbol, err)
	}

	return derefString(placed.Id), nil
}

// CancelOrder 撤销指定挂单。撤单请求不携带 clientOrderId，
// 请求序号由 ccxt 签名层负责，这里不消耗本地计数器。
func (c *Client) CancelOrder(ctx context.Context, session *Session, symbol, orderID string) (string, error) {
	if session == nil {
		return "", errors.New("hyperliquid: 缺少签名会话")
	}

	var canceled ccxt.Order
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		order, cancelErr := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		if cancelErr != nil {
			return cancelErr
		}
		canceled = order
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hyperliquid: 撤单失败 (%s %s): %w", symbol, orderID, err)
	}

	status := derefString(canceled.Status)
	if status == "" {
		status = "canceled"
	}
	return status, nil
}

// UpdateLeverage 调整指定合约的杠杆倍数。与撤单相同，
// 请求序号由 ccxt 签名层负责，本地计数器只服务于委托的 clientOrderId。
func (c *Client) UpdateLeverage(ctx context.Context, session *Session, symbol string, leverage int) (string, error) {
	if session == nil {
		return "", errors.New("hyperliquid: 缺少签名会话")
	}

	var response map[string]interface{}
	err := c.callWithRetry(ctx, "set_leverage", func() error {
		resp, levErr := c.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(symbol))
		if levErr != nil {
			return levErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hyperliquid: 调整杠杆失败 (%s -> %dx): %w", symbol, leverage, err)
	}

	return fmt.Sprintf("%v", response), nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		start := time.Now()
		err = fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalized, retry := classifyError(err)
		err = normalized
		if errors.Is(normalized, ErrMaintenance) || !retry || attempt == maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", time.Since(start)),
				zap.Error(normalized),
			)
			return normalized
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(normalized),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

// precisionDecimals 把 ccxt 的统一精度字段换算为小数位数。Hyperliquid 走
// TICK_SIZE 精度模式，字段值是最小变动单位（如 1e-5、0.1）而非位数；
// (0,1) 区间的值按 -log10 换算，≥1 的值按 DECIMAL_PLACES 位数处理。
func precisionDecimals(v float64) (int, bool) {
	if v <= 0 || v >= 18 {
		return 0, false
	}
	if v < 1 {
		return int(math.Ceil(-math.Log10(v) - 1e-9)), true
	}
	return int(v), true
}

func convertMarket(symbol string, market ccxt.MarketInterface) Instrument {
	base := derefString(market.Base)
	if base == "" {
		base = strings.ToUpper(strings.SplitN(symbol, "/", 2)[0])
	}

	inst := Instrument{
		Symbol:        symbol,
		Base:          strings.ToUpper(base),
		AssetID:       -1,
		SzDecimals:    4,
		PriceDecimals: 6,
		MinNotional:   10,
		MaxLeverage:   1,
	}

	if d, ok := precisionDecimals(derefFloat(market.Precision.Amount)); ok {
		inst.SzDecimals = d
	}
	if d, ok := precisionDecimals(derefFloat(market.Precision.Price)); ok {
		inst.PriceDecimals = d
	}
	if v := derefFloat(market.Limits.Cost.Min); v > 0 {
		inst.MinNotional = v
	}
	if v := derefFloat(market.Limits.Leverage.Max); v > 0 {
		inst.MaxLeverage = int(v)
	}

	if market.Info != nil {
		if raw, ok := market.Info["baseId"]; ok {
			if v := parseNumeric(raw); v >= 0 && v < 1e6 {
				inst.AssetID = int(v)
			}
		}
		if inst.MaxLeverage <= 1 {
			if v := parseNumeric(market.Info["maxLeverage"]); v > 0 {
				inst.MaxLeverage = int(v)
			}
		}
		if raw, ok := market.Info["szDecimals"]; ok {
			if v := parseNumeric(raw); v >= 0 && v < 18 {
				inst.SzDecimals = int(v)
			}
		}
	}

	return inst
}
