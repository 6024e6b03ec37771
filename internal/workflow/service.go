package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hyperagent/internal/agent"
	"hyperagent/internal/graph"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/pipeline"
)

// ErrNoInstruments 表示交易所元数据完全不可用，整个工作流无法继续。
var ErrNoInstruments = errors.New("workflow: 无任何合约元数据")

// Interpreter 抽象自然语言解释器：把会话历史解释为各阶段的结构化意图。
type Interpreter interface {
	IdentifySymbols(ctx context.Context, pc agent.PromptContext) (agent.SymbolAnalysis, error)
	AnalyzeOrders(ctx context.Context, pc agent.PromptContext) (agent.OrderAnalysis, error)
	AnalyzeTriggers(ctx context.Context, pc agent.PromptContext) (agent.TriggerAnalysis, error)
	AnalyzeLeverage(ctx context.Context, pc agent.PromptContext) (agent.LeverageAnalysis, error)
	AnalyzeCancellations(ctx context.Context, pc agent.PromptContext) (agent.CancelAnalysis, error)
	Summarize(ctx context.Context, pc agent.PromptContext) (string, error)
}

// Ledger 抽象只读行情与账户访问，以及签名会话的构造。
// 提交类操作经由 pipeline 注入，不在此接口内。
type Ledger interface {
	Wallet() string
	Instruments(ctx context.Context) (map[string]hyperliquid.Instrument, error)
	MidPrice(ctx context.Context, symbol string) (float64, error)
	AccountSnapshot(ctx context.Context) (hyperliquid.AccountState, error)
	NewSession() *hyperliquid.Session
}

// 图的节点名即对外可观测的阶段名。
const (
	nodeFetchAccount    = "fetch_account_info"
	nodeIdentifySymbols = "identify_symbols"
	nodeFetchPrices     = "fetch_prices"
	nodeAnalyzeOrders   = "regular_orders"
	nodeAnalyzeTriggers = "tp_sl_orders"
	nodeAnalyzeLeverage = "leverage_updates"
	nodeAnalyzeCancels  = "cancellations"
	nodeApplyLeverage   = "apply_leverage_updates"
	nodeExecuteOrders   = "execute_orders"
	nodeExecuteTriggers = "execute_tp_sl_orders"
	nodeExecuteCancels  = "execute_cancellations"
	nodeRefreshAccount  = "refresh_account_info"
	nodeSummarize       = "summarize"
)

// Service 驱动交易工作流：构图一次，随后每次请求独立运行一遍。
type Service struct {
	interpreter Interpreter
	ledger      Ledger
	pipeline    *pipeline.Pipeline
	logger      *zap.Logger
	graph       *graph.Graph[State, Update]
}

// NewService 创建工作流服务并完成构图校验。
func NewService(interpreter Interpreter, ledger Ledger, pl *pipeline.Pipeline, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		interpreter: interpreter,
		ledger:      ledger,
		pipeline:    pl,
		logger:      logger,
	}

	g := graph.New[State, Update](apply, onNodeError)

	nodes := []struct {
		name string
		deps []string
		fn   graph.NodeFunc[State, Update]
	}{
		{nodeFetchAccount, nil, s.fetchAccountInfo},
		{nodeIdentifySymbols, []string{nodeFetchAccount}, s.identifySymbols},
		{nodeFetchPrices, []string{nodeIdentifySymbols}, s.fetchPrices},
		{nodeAnalyzeOrders, []string{nodeFetchPrices}, s.analyzeOrders},
		{nodeAnalyzeTriggers, []string{nodeFetchPrices}, s.analyzeTriggers},
		{nodeAnalyzeLeverage, []string{nodeFetchPrices}, s.analyzeLeverage},
		{nodeAnalyzeCancels, []string{nodeFetchPrices}, s.analyzeCancellations},
		{nodeApplyLeverage, []string{nodeAnalyzeOrders, nodeAnalyzeTriggers, nodeAnalyzeLeverage, nodeAnalyzeCancels}, s.applyLeverageUpdates},
		{nodeExecuteOrders, []string{nodeApplyLeverage}, s.executeOrders},
		{nodeExecuteTriggers, []string{nodeApplyLeverage}, s.executeTriggers},
		{nodeExecuteCancels, []string{nodeApplyLeverage}, s.executeCancellations},
		{nodeRefreshAccount, []string{nodeExecuteOrders, nodeExecuteTriggers, nodeExecuteCancels}, s.refreshAccountInfo},
		{nodeSummarize, []string{nodeRefreshAccount}, s.summarize},
	}
	for _, n := range nodes {
		if err := g.AddNode(n.name, n.deps, n.fn); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	s.graph = g
	return s, nil
}

// Result 为一次工作流运行的对外结果。
type Result struct {
	Success bool               `json:"success"`
	Summary string             `json:"message"`
	Actions []pipeline.Outcome `json:"actions"`
	Errors  []string           `json:"errors,omitempty"`
}

// Run 对一条自由文本指令执行完整工作流。
// 节点级错误不会中断运行，只有构图错误、上下文取消或致命前置条件返回 error。
func (s *Service) Run(ctx context.Context, prompt string) (Result, error) {
	initial := State{
		History: []agent.Message{{Role: "user", Content: prompt}},
		Wallet:  s.ledger.Wallet(),
	}

	final, err := s.graph.Run(ctx, initial)
	if err != nil {
		s.logger.Error("工作流运行中止", zap.Error(err))
		return Result{
			Success: false,
			Summary: fmt.Sprintf("流程无法继续：%v", err),
			Actions: final.Outcomes(),
			Errors:  final.Errors,
		}, err
	}

	result := Result{
		Summary: final.Summary,
		Actions: final.Outcomes(),
		Errors:  final.Errors,
	}
	result.Success = len(final.Errors) == 0
	for _, outcome := range result.Actions {
		if !outcome.Success {
			result.Success = false
			break
		}
	}

	s.logger.Info("工作流运行完成",
		zap.Bool("success", result.Success),
		zap.Int("actions", len(result.Actions)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}
