package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hyperagent/internal/agent"
	"hyperagent/internal/graph"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/pipeline"
)

// promptContext 把当前状态切片序列化为提示词上下文。
func promptContext(s State) agent.PromptContext {
	pc := agent.PromptContext{
		HistoryJSON: agent.MarshalContext(s.History),
		SymbolsJSON: agent.MarshalContext(s.Symbols),
		PricesJSON:  agent.MarshalContext(s.Prices),
		ErrorsJSON:  agent.MarshalContext(s.Errors),
	}
	if s.Account != nil {
		pc.AccountJSON = agent.MarshalContext(s.Account)
	} else {
		pc.AccountJSON = "null"
	}
	pc.OpenOrdersJSON = agent.MarshalContext(s.OpenOrders)
	pc.ResultsJSON = agent.MarshalContext(s.Outcomes())
	return pc
}

// fetchAccountInfo 并发拉取合约元数据与账户快照。
// 元数据为空是致命前置条件失败：后续所有阶段都无法解析合约。
func (s *Service) fetchAccountInfo(ctx context.Context, state State) (Update, error) {
	var (
		instruments map[string]hyperliquid.Instrument
		account     hyperliquid.AccountState
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		loaded, err := s.ledger.Instruments(egCtx)
		if err != nil {
			return fmt.Errorf("加载合约元数据失败: %w", err)
		}
		instruments = loaded
		return nil
	})
	eg.Go(func() error {
		snapshot, err := s.ledger.AccountSnapshot(egCtx)
		if err != nil {
			return fmt.Errorf("获取账户快照失败: %w", err)
		}
		account = snapshot
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Update{}, graph.Fatal(err)
	}
	if len(instruments) == 0 {
		return Update{}, graph.Fatal(ErrNoInstruments)
	}

	return Update{
		Instruments: instruments,
		Account:     &account,
		OpenOrders:  ptr(account.OpenOrders),
	}, nil
}

// identifySymbols 让解释器识别指令涉及的合约符号，过滤掉未知符号。
func (s *Service) identifySymbols(ctx context.Context, state State) (Update, error) {
	known := make([]string, 0, len(state.Instruments))
	for base := range state.Instruments {
		known = append(known, base)
	}
	sort.Strings(known)

	pc := promptContext(state)
	pc.SymbolsJSON = agent.MarshalContext(known)

	analysis, err := s.interpreter.IdentifySymbols(ctx, pc)
	if err != nil {
		return Update{}, fmt.Errorf("符号识别失败: %w", err)
	}

	symbols := make([]string, 0, len(analysis.Symbols))
	seen := make(map[string]struct{}, len(analysis.Symbols))
	for _, raw := range analysis.Symbols {
		base := strings.ToUpper(strings.TrimSpace(raw))
		if base == "" {
			continue
		}
		if _, ok := state.Instruments[base]; !ok {
			s.logger.Warn("忽略未知合约符号", zap.String("symbol", raw))
			continue
		}
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		symbols = append(symbols, base)
	}
	sort.Strings(symbols)

	s.logger.Info("符号识别完成", zap.Strings("symbols", symbols))
	return Update{Symbols: ptr(symbols)}, nil
}

// fetchPrices 对每个已识别合约独立取中间价。单个合约取价失败只记入
// 错误通道，不影响其它合约，也不中断工作流。
func (s *Service) fetchPrices(ctx context.Context, state State) (Update, error) {
	if len(state.Symbols) == 0 {
		return Update{Prices: map[string]float64{}}, nil
	}

	var mu sync.Mutex
	prices := make(map[string]float64, len(state.Symbols))
	var failures []string

	var wg sync.WaitGroup
	for _, base := range state.Symbols {
		inst, ok := state.Instruments[base]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(base string, inst hyperliquid.Instrument) {
			defer wg.Done()
			price, err := s.ledger.MidPrice(ctx, inst.Symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Sprintf("fetch_prices: %s 取价失败: %v", base, err))
				return
			}
			prices[base] = price
		}(base, inst)
	}
	wg.Wait()

	sort.Strings(failures)
	return Update{Prices: prices, Errors: failures}, nil
}

// analyzeOrders 提取普通委托意图，转换为待执行请求。
func (s *Service) analyzeOrders(ctx context.Context, state State) (Update, error) {
	analysis, err := s.interpreter.AnalyzeOrders(ctx, promptContext(state))
	if err != nil {
		return Update{}, fmt.Errorf("普通委托分析失败: %w", err)
	}
	if !analysis.Found() {
		return Update{PendingOrders: ptr([]pipeline.Request{})}, nil
	}

	requests := make([]pipeline.Request, 0, len(analysis.Orders))
	for _, intent := range analysis.Orders {
		requests = append(requests, pipeline.Request{
			Symbol:     strings.ToUpper(strings.TrimSpace(intent.Symbol)),
			Side:       strings.ToLower(intent.Side),
			OrderType:  strings.ToLower(intent.OrderType),
			LimitPrice: intent.LimitPrice,
			SizeUSD:    intent.SizeUSD,
			Size:       intent.Size,
			ReduceOnly: intent.ReduceOnly,
		})
	}

	s.logger.Info("普通委托分析完成",
		zap.Int("count", len(requests)),
		zap.String("reasoning", analysis.Reasoning),
	)
	return Update{PendingOrders: ptr(requests)}, nil
}

// analyzeTriggers 提取止盈/止损触发单意图。
func (s *Service) analyzeTriggers(ctx context.Context, state State) (Update, error) {
	analysis, err := s.interpreter.AnalyzeTriggers(ctx, promptContext(state))
	if err != nil {
		return Update{}, fmt.Errorf("止盈止损分析失败: %w", err)
	}
	if !analysis.Found() {
		return Update{PendingTriggers: ptr([]pipeline.Request{})}, nil
	}

	requests := make([]pipeline.Request, 0, len(analysis.Orders))
	for _, intent := range analysis.Orders {
		requests = append(requests, pipeline.Request{
			Symbol:       strings.ToUpper(strings.TrimSpace(intent.Symbol)),
			Side:         strings.ToLower(intent.Side),
			OrderType:    "limit",
			TriggerPrice: intent.TriggerPrice,
			TriggerKind:  strings.ToLower(intent.Kind),
			SizeUSD:      intent.SizeUSD,
			Size:         intent.Size,
			ReduceOnly:   true,
		})
	}

	s.logger.Info("止盈止损分析完成",
		zap.Int("count", len(requests)),
		zap.String("reasoning", analysis.Reasoning),
	)
	return Update{PendingTriggers: ptr(requests)}, nil
}

// analyzeLeverage 提取杠杆调整意图。与当前持仓杠杆一致的请求是幂等
// 的无效操作，直接滤掉，不产生执行项。
func (s *Service) analyzeLeverage(ctx context.Context, state State) (Update, error) {
	analysis, err := s.interpreter.AnalyzeLeverage(ctx, promptContext(state))
	if err != nil {
		return Update{}, fmt.Errorf("杠杆分析失败: %w", err)
	}

	current := make(map[string]int)
	if state.Account != nil {
		for _, pos := range state.Account.Positions {
			if inst, ok := resolveBase(state.Instruments, pos.Symbol); ok && pos.Leverage > 0 {
				current[inst] = int(pos.Leverage)
			}
		}
	}

	updates := make(map[string]int, len(analysis.Updates))
	for _, intent := range analysis.Updates {
		base := strings.ToUpper(strings.TrimSpace(intent.Symbol))
		if lv, ok := current[base]; ok && lv == intent.Leverage {
			s.logger.Info("杠杆已是目标值，跳过",
				zap.String("symbol", base),
				zap.Int("leverage", intent.Leverage),
			)
			continue
		}
		updates[base] = intent.Leverage
	}

	s.logger.Info("杠杆分析完成",
		zap.Int("count", len(updates)),
		zap.String("reasoning", analysis.Reasoning),
	)
	return Update{PendingLeverage: ptr(updates)}, nil
}

// analyzeCancellations 提取撤单意图；cancel_all 基于当前挂单快照展开，
// 每笔挂单一个独立执行项。
func (s *Service) analyzeCancellations(ctx context.Context, state State) (Update, error) {
	analysis, err := s.interpreter.AnalyzeCancellations(ctx, promptContext(state))
	if err != nil {
		return Update{}, fmt.Errorf("撤单分析失败: %w", err)
	}
	if !analysis.Found() {
		return Update{PendingCancels: ptr([]pipeline.CancelRequest{})}, nil
	}

	var cancels []pipeline.CancelRequest
	if analysis.CancelAll {
		cancels = make([]pipeline.CancelRequest, 0, len(state.OpenOrders))
		for _, order := range state.OpenOrders {
			cancels = append(cancels, pipeline.CancelRequest{
				Symbol:  order.Symbol,
				OrderID: order.ID,
			})
		}
	} else {
		cancels = make([]pipeline.CancelRequest, 0, len(analysis.Cancels))
		for _, intent := range analysis.Cancels {
			cancels = append(cancels, pipeline.CancelRequest{
				Symbol:  strings.ToUpper(strings.TrimSpace(intent.Symbol)),
				OrderID: intent.OrderID,
			})
		}
	}

	s.logger.Info("撤单分析完成",
		zap.Bool("cancel_all", analysis.CancelAll),
		zap.Int("count", len(cancels)),
		zap.String("reasoning", analysis.Reasoning),
	)
	return Update{PendingCancels: ptr(cancels)}, nil
}

// applyLeverageUpdates 在任何下单之前同步执行杠杆调整，作为分析与执行
// 之间的汇合点。失败的调整保留在待执行集合中，成功的移除。
func (s *Service) applyLeverageUpdates(ctx context.Context, state State) (Update, error) {
	if len(state.PendingLeverage) == 0 {
		return Update{}, nil
	}

	session := s.ledger.NewSession()
	results := s.pipeline.ExecuteLeverage(ctx, session, state.PendingLeverage, state.Instruments)

	// 结果序号即排序后符号列表的下标，与 ExecuteLeverage 的遍历序一致；
	// 按序号逐项对齐，解析到同一合约的不同写法不会互相误判。
	symbols := make([]string, 0, len(state.PendingLeverage))
	for symbol := range state.PendingLeverage {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	remaining := make(map[string]int)
	for i, symbol := range symbols {
		succeeded := false
		for key, outcome := range results {
			if key.Seq == i && outcome.Success {
				succeeded = true
				break
			}
		}
		if !succeeded {
			remaining[symbol] = state.PendingLeverage[symbol]
		}
	}

	var errs []string
	for _, outcome := range results {
		if !outcome.Success {
			errs = append(errs, fmt.Sprintf("apply_leverage_updates: %s: %s", outcome.Key, outcome.Err))
		}
	}
	sort.Strings(errs)

	return Update{
		Results:         results,
		PendingLeverage: ptr(remaining),
		Errors:          errs,
	}, nil
}

// executeOrders 批量提交普通委托，提交后整段清空待执行集合。
func (s *Service) executeOrders(ctx context.Context, state State) (Update, error) {
	if len(state.PendingOrders) == 0 {
		return Update{}, nil
	}

	session := s.ledger.NewSession()
	results := s.pipeline.ExecuteOrders(ctx, session, pipeline.StageOrders,
		state.PendingOrders, state.Instruments, state.Prices)

	return Update{
		Results:       results,
		PendingOrders: ptr([]pipeline.Request{}),
		Errors:        outcomeErrors("execute_orders", results),
	}, nil
}

// executeTriggers 批量提交止盈/止损触发单。
func (s *Service) executeTriggers(ctx context.Context, state State) (Update, error) {
	if len(state.PendingTriggers) == 0 {
		return Update{}, nil
	}

	session := s.ledger.NewSession()
	results := s.pipeline.ExecuteOrders(ctx, session, pipeline.StageTriggers,
		state.PendingTriggers, state.Instruments, state.Prices)

	return Update{
		Results:         results,
		PendingTriggers: ptr([]pipeline.Request{}),
		Errors:          outcomeErrors("execute_tp_sl_orders", results),
	}, nil
}

// executeCancellations 批量撤单。失败的撤单保留在待执行集合中。
func (s *Service) executeCancellations(ctx context.Context, state State) (Update, error) {
	if len(state.PendingCancels) == 0 {
		return Update{}, nil
	}

	session := s.ledger.NewSession()
	results := s.pipeline.ExecuteCancellations(ctx, session, state.PendingCancels, state.Instruments)

	var remaining []pipeline.CancelRequest
	for i, cancel := range state.PendingCancels {
		succeeded := false
		for key, outcome := range results {
			if key.Seq == i && outcome.Success {
				succeeded = true
				break
			}
		}
		if !succeeded {
			remaining = append(remaining, cancel)
		}
	}
	if remaining == nil {
		remaining = []pipeline.CancelRequest{}
	}

	return Update{
		Results:        results,
		PendingCancels: ptr(remaining),
		Errors:         outcomeErrors("execute_cancellations", results),
	}, nil
}

// refreshAccountInfo 在全部执行阶段结束后重取账户快照，供汇总引用。
// 此处失败不致命：执行结果已经落在状态里，只是汇报用的是旧快照。
func (s *Service) refreshAccountInfo(ctx context.Context, state State) (Update, error) {
	account, err := s.ledger.AccountSnapshot(ctx)
	if err != nil {
		return Update{}, fmt.Errorf("刷新账户快照失败: %w", err)
	}
	return Update{
		Account:    &account,
		OpenOrders: ptr(account.OpenOrders),
	}, nil
}

// summarize 生成面向用户的执行汇报。解释器不可用时退回确定性汇总，
// 保证任何一次运行都以一段人话结束。
func (s *Service) summarize(ctx context.Context, state State) (Update, error) {
	summary, err := s.interpreter.Summarize(ctx, promptContext(state))
	if err != nil {
		s.logger.Warn("汇总生成失败，使用确定性汇总", zap.Error(err))
		summary = fallbackSummary(state)
	}
	return Update{
		Summary: summary,
		History: []agent.Message{{Role: "assistant", Content: summary}},
	}, nil
}

// outcomeErrors 把失败的执行项转成错误通道条目，按键排序保证稳定。
func outcomeErrors(node string, results map[pipeline.Key]pipeline.Outcome) []string {
	var errs []string
	for _, outcome := range results {
		if !outcome.Success {
			errs = append(errs, fmt.Sprintf("%s: %s: %s", node, outcome.Key, outcome.Err))
		}
	}
	sort.Strings(errs)
	return errs
}

// resolveBase 把持仓的统一符号映射回币种简称。
func resolveBase(instruments map[string]hyperliquid.Instrument, symbol string) (string, bool) {
	needle := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := instruments[needle]; ok {
		return needle, true
	}
	for base, inst := range instruments {
		if strings.EqualFold(inst.Symbol, symbol) {
			return base, true
		}
	}
	if idx := strings.IndexAny(needle, "/:"); idx > 0 {
		if _, ok := instruments[needle[:idx]]; ok {
			return needle[:idx], true
		}
	}
	return "", false
}
