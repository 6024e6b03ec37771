package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hyperagent/internal/agent"
	"hyperagent/internal/cache"
	"hyperagent/internal/config"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/pipeline"
	"hyperagent/internal/server"
	"hyperagent/internal/store"
	"hyperagent/internal/workflow"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装各组件并驱动 HTTP 服务直至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易代理已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("addr", a.cfg.Server.Addr),
		zap.Bool("cache", a.cfg.Cache.Enabled),
	)

	exchange, err := hyperliquid.NewClient(a.cfg.Hyperliquid, a.logger.Named("hyperliquid"))
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	var ledger workflow.Ledger = exchange
	var cached *cache.CachedLedger
	if a.cfg.Cache.Enabled {
		cached = cache.New(exchange, a.cfg.Cache, a.logger.Named("cache"))
		ledger = cached
		defer func() {
			if closeErr := cached.Close(); closeErr != nil {
				a.logger.Warn("关闭缓存连接失败", zap.Error(closeErr))
			}
		}()
	}

	interpreter, err := agent.NewClient(a.cfg.OpenAI, a.logger.Named("agent"))
	if err != nil {
		return fmt.Errorf("初始化解释器失败: %w", err)
	}

	pl := pipeline.New(exchange, pipeline.Options{
		Stagger:  a.cfg.Execution.Stagger,
		Slippage: a.cfg.Execution.Slippage,
	}, a.logger.Named("pipeline"))

	service, err := workflow.NewService(interpreter, ledger, pl, a.logger.Named("workflow"))
	if err != nil {
		return fmt.Errorf("初始化工作流失败: %w", err)
	}

	runs, err := store.NewRunStore(a.store, a.logger.Named("store"))
	if err != nil {
		return fmt.Errorf("初始化运行历史存储失败: %w", err)
	}

	srv := server.New(a.cfg.Server, service, exchange, runs, a.logger.Named("server"))

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("HTTP 服务异常: %w", err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", ctxErr)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}
