package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hyperagent/internal/config"
	"hyperagent/internal/hyperliquid"
)

const (
	instrumentsKey = "hyperagent:instruments"
	pricePrefix    = "hyperagent:price:"
)

// Ledger 为被缓存的行情与账户访问面，由 *hyperliquid.Client 满足。
type Ledger interface {
	Wallet() string
	Instruments(ctx context.Context) (map[string]hyperliquid.Instrument, error)
	MidPrice(ctx context.Context, symbol string) (float64, error)
	AccountSnapshot(ctx context.Context) (hyperliquid.AccountState, error)
	NewSession() *hyperliquid.Session
}

// CachedLedger 在 Redis 中缓存合约元数据与中间价。缓存不可用时直接
// 回源，Redis 故障从不让一次工作流运行失败。账户快照与签名会话透传。
type CachedLedger struct {
	Ledger

	client      *backend.Client
	logger      *zap.Logger
	metadataTTL time.Duration
	priceTTL    time.Duration
}

// New 用配置构建缓存层。
func New(source Ledger, cfg config.CacheConfig, logger *zap.Logger) *CachedLedger {
	rdb := backend.NewClient(&backend.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromClient(source, rdb, cfg, logger)
}

// NewFromClient 复用已有 Redis 客户端构建缓存层。
func NewFromClient(source Ledger, client *backend.Client, cfg config.CacheConfig, logger *zap.Logger) *CachedLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	metadataTTL := cfg.MetadataTTL
	if metadataTTL <= 0 {
		metadataTTL = time.Hour
	}
	priceTTL := cfg.PriceTTL
	if priceTTL <= 0 {
		priceTTL = 2 * time.Second
	}
	return &CachedLedger{
		Ledger:      source,
		client:      client,
		logger:      logger,
		metadataTTL: metadataTTL,
		priceTTL:    priceTTL,
	}
}

// Instruments 优先读缓存；未命中或缓存故障时回源并写回。
func (c *CachedLedger) Instruments(ctx context.Context) (map[string]hyperliquid.Instrument, error) {
	val, err := c.client.Get(ctx, instrumentsKey).Result()
	if err == nil {
		var instruments map[string]hyperliquid.Instrument
		if unmarshalErr := json.Unmarshal([]byte(val), &instruments); unmarshalErr == nil && len(instruments) > 0 {
			return instruments, nil
		}
		c.logger.Warn("缓存中的合约元数据无法解析，回源重建")
	} else if err != backend.Nil {
		c.logger.Warn("读取元数据缓存失败，直接回源", zap.Error(err))
	}

	instruments, err := c.Ledger.Instruments(ctx)
	if err != nil {
		return nil, err
	}

	if data, marshalErr := json.Marshal(instruments); marshalErr == nil {
		if setErr := c.client.Set(ctx, instrumentsKey, data, c.metadataTTL).Err(); setErr != nil {
			c.logger.Warn("写入元数据缓存失败", zap.Error(setErr))
		}
	}
	return instruments, nil
}

// MidPrice 短 TTL 缓存单合约中间价，削平同一次运行内的重复取价。
func (c *CachedLedger) MidPrice(ctx context.Context, symbol string) (float64, error) {
	key := pricePrefix + symbol

	val, err := c.client.Get(ctx, key).Float64()
	if err == nil && val > 0 {
		return val, nil
	}
	if err != nil && err != backend.Nil {
		c.logger.Warn("读取价格缓存失败，直接回源",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}

	price, err := c.Ledger.MidPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	if setErr := c.client.Set(ctx, key, price, c.priceTTL).Err(); setErr != nil {
		c.logger.Warn("写入价格缓存失败",
			zap.String("symbol", symbol),
			zap.Error(setErr),
		)
	}
	return price, nil
}

// Invalidate 清空已缓存的元数据，下一次读取回源重建。
func (c *CachedLedger) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, instrumentsKey).Err(); err != nil {
		return fmt.Errorf("cache: 清除元数据缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *CachedLedger) Close() error {
	return c.client.Close()
}
