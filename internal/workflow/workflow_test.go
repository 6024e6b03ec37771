package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"hyperagent/internal/agent"
	"hyperagent/internal/config"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/pipeline"
)

type mockInterpreter struct {
	symbols   agent.SymbolAnalysis
	orders    agent.OrderAnalysis
	triggers  agent.TriggerAnalysis
	leverage  agent.LeverageAnalysis
	cancels   agent.CancelAnalysis
	summary   string
	ordersErr error
	summErr   error
}

func (m *mockInterpreter) IdentifySymbols(ctx context.Context, pc agent.PromptContext) (agent.SymbolAnalysis, error) {
	return m.symbols, nil
}

func (m *mockInterpreter) AnalyzeOrders(ctx context.Context, pc agent.PromptContext) (agent.OrderAnalysis, error) {
	if m.ordersErr != nil {
		return agent.OrderAnalysis{}, m.ordersErr
	}
	return m.orders, nil
}

func (m *mockInterpreter) AnalyzeTriggers(ctx context.Context, pc agent.PromptContext) (agent.TriggerAnalysis, error) {
	return m.triggers, nil
}

func (m *mockInterpreter) AnalyzeLeverage(ctx context.Context, pc agent.PromptContext) (agent.LeverageAnalysis, error) {
	return m.leverage, nil
}

func (m *mockInterpreter) AnalyzeCancellations(ctx context.Context, pc agent.PromptContext) (agent.CancelAnalysis, error) {
	return m.cancels, nil
}

func (m *mockInterpreter) Summarize(ctx context.Context, pc agent.PromptContext) (string, error) {
	if m.summErr != nil {
		return "", m.summErr
	}
	if m.summary == "" {
		return "已完成", nil
	}
	return m.summary, nil
}

// mockExchange 同时满足 workflow.Ledger 与 pipeline.Ledger。
type mockExchange struct {
	client *hyperliquid.Client

	instruments map[string]hyperliquid.Instrument
	prices      map[string]float64
	account     hyperliquid.AccountState

	instrumentsErr error

	mu           sync.Mutex
	snapshots    int
	orders       []hyperliquid.OrderSpec
	cancels      []string
	leverages    map[string]int
	failCancel   map[string]error
	failLeverage map[int]error // 按目标倍数注入失败
}

func (m *mockExchange) Wallet() string { return "0xtest" }

func (m *mockExchange) Instruments(ctx context.Context) (map[string]hyperliquid.Instrument, error) {
	if m.instrumentsErr != nil {
		return nil, m.instrumentsErr
	}
	return m.instruments, nil
}

func (m *mockExchange) MidPrice(ctx context.Context, symbol string) (float64, error) {
	for base, inst := range m.instruments {
		if inst.Symbol == symbol {
			if price, ok := m.prices[base]; ok {
				return price, nil
			}
			return 0, errors.New("no price")
		}
	}
	return 0, errors.New("unknown symbol")
}

func (m *mockExchange) AccountSnapshot(ctx context.Context) (hyperliquid.AccountState, error) {
	m.mu.Lock()
	m.snapshots++
	m.mu.Unlock()
	return m.account, nil
}

func (m *mockExchange) NewSession() *hyperliquid.Session {
	return m.client.NewSession()
}

func (m *mockExchange) SubmitOrder(ctx context.Context, session *hyperliquid.Session, spec hyperliquid.OrderSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, spec)
	return "oid-1", nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, session *hyperliquid.Session, symbol, orderID string) (string, error) {
	if err := m.failCancel[orderID]; err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, orderID)
	return "canceled", nil
}

func (m *mockExchange) UpdateLeverage(ctx context.Context, session *hyperliquid.Session, symbol string, leverage int) (string, error) {
	if err := m.failLeverage[leverage]; err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leverages == nil {
		m.leverages = make(map[string]int)
	}
	m.leverages[symbol] = leverage
	return "ok", nil
}

func testInstruments() map[string]hyperliquid.Instrument {
	return map[string]hyperliquid.Instrument{
		"BTC": {
			Symbol:        "BTC/USDC:USDC",
			Base:          "BTC",
			AssetID:       0,
			SzDecimals:    4,
			PriceDecimals: 1,
			MaxLeverage:   50,
			MinNotional:   10,
		},
		"ETH": {
			Symbol:        "ETH/USDC:USDC",
			Base:          "ETH",
			AssetID:       1,
			SzDecimals:    3,
			PriceDecimals: 2,
			MaxLeverage:   25,
			MinNotional:   10,
		},
	}
}

func newTestExchange(t *testing.T) *mockExchange {
	t.Helper()
	client, err := hyperliquid.NewClient(config.HyperliquidConfig{
		Wallet:     "0x0000000000000000000000000000000000000001",
		PrivateKey: "0x01",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return &mockExchange{
		client:      client,
		instruments: testInstruments(),
		prices:      map[string]float64{"BTC": 100000, "ETH": 3000},
	}
}

func newTestService(t *testing.T, exch *mockExchange, interp Interpreter) *Service {
	t.Helper()
	pl := pipeline.New(exch, pipeline.Options{}, nil)
	svc, err := NewService(interp, exch, pl, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestService_GraphValidatesOnConstruction(t *testing.T) {
	newTestService(t, newTestExchange(t), &mockInterpreter{})
}

func TestRun_NothingToDo(t *testing.T) {
	exch := newTestExchange(t)
	svc := newTestService(t, exch, &mockInterpreter{summary: "本次无需操作"})

	result, err := svc.Run(context.Background(), "你好")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got errors: %v", result.Errors)
	}
	if len(result.Actions) != 0 {
		t.Errorf("expected no actions, got %d", len(result.Actions))
	}
	if result.Summary != "本次无需操作" {
		t.Errorf("unexpected summary: %q", result.Summary)
	}
	if len(exch.orders) != 0 || len(exch.cancels) != 0 || len(exch.leverages) != 0 {
		t.Errorf("no exchange mutations expected")
	}
}

func TestRun_MarketOrderExecuted(t *testing.T) {
	exch := newTestExchange(t)
	interp := &mockInterpreter{
		symbols: agent.SymbolAnalysis{Symbols: []string{"BTC"}},
		orders: agent.OrderAnalysis{Orders: []agent.OrderIntent{{
			Symbol:    "BTC",
			Side:      "buy",
			OrderType: "market",
			SizeUSD:   1000,
		}}},
	}
	svc := newTestService(t, exch, interp)

	result, err := svc.Run(context.Background(), "市价买入1000美元BTC")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(result.Actions))
	}
	action := result.Actions[0]
	if action.Key.Stage != pipeline.StageOrders || action.Key.Instrument != "BTC" {
		t.Errorf("unexpected key: %v", action.Key)
	}

	if len(exch.orders) != 1 {
		t.Fatalf("expected 1 submitted order, got %d", len(exch.orders))
	}
	spec := exch.orders[0]
	// 市价买入按 1.02 滑点缓冲提交，数量按未缓冲价折算。
	if spec.Price != 102000 {
		t.Errorf("expected buffered price 102000, got %v", spec.Price)
	}
	if spec.Amount != 0.01 {
		t.Errorf("expected amount 0.01, got %v", spec.Amount)
	}

	// 执行结束后刷新过账户快照：初始一次 + 刷新一次。
	if exch.snapshots != 2 {
		t.Errorf("expected 2 account snapshots, got %d", exch.snapshots)
	}
}

func TestRun_CancelAllExpandsOpenOrders(t *testing.T) {
	exch := newTestExchange(t)
	exch.account = hyperliquid.AccountState{
		OpenOrders: []hyperliquid.OpenOrder{
			{ID: "A", Symbol: "BTC/USDC:USDC"},
			{ID: "B", Symbol: "ETH/USDC:USDC"},
		},
	}
	interp := &mockInterpreter{
		cancels: agent.CancelAnalysis{CancelAll: true},
	}
	svc := newTestService(t, exch, interp)

	result, err := svc.Run(context.Background(), "撤销所有挂单")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if len(result.Actions) != 2 {
		t.Fatalf("expected one outcome per open order, got %d", len(result.Actions))
	}
	if len(exch.cancels) != 2 {
		t.Fatalf("expected 2 cancels, got %d", len(exch.cancels))
	}
	seen := map[string]bool{}
	for _, id := range exch.cancels {
		seen[id] = true
	}
	if !seen["A"] || !seen["B"] {
		t.Errorf("expected cancels for A and B, got %v", exch.cancels)
	}
}

func TestRun_PartialCancelFailureDoesNotBlockOthers(t *testing.T) {
	exch := newTestExchange(t)
	exch.account = hyperliquid.AccountState{
		OpenOrders: []hyperliquid.OpenOrder{
			{ID: "A", Symbol: "BTC/USDC:USDC"},
			{ID: "B", Symbol: "ETH/USDC:USDC"},
		},
	}
	exch.failCancel = map[string]error{"A": errors.New("order already filled")}
	interp := &mockInterpreter{
		cancels: agent.CancelAnalysis{CancelAll: true},
		summErr: errors.New("llm down"),
	}
	svc := newTestService(t, exch, interp)

	result, err := svc.Run(context.Background(), "撤销所有挂单")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Success {
		t.Errorf("expected partial failure to mark run unsuccessful")
	}
	if len(result.Actions) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Actions))
	}
	var failed, succeeded int
	for _, action := range result.Actions {
		if action.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Errorf("expected 1 failure and 1 success, got %d/%d", failed, succeeded)
	}
	// 解释器汇总不可用时退回确定性汇总，仍要能看出部分失败。
	if !strings.Contains(result.Summary, "失败 1 项") {
		t.Errorf("fallback summary should mention the failure: %q", result.Summary)
	}
}

func TestRun_InterpreterFailureIsolatedToStage(t *testing.T) {
	exch := newTestExchange(t)
	interp := &mockInterpreter{
		symbols:   agent.SymbolAnalysis{Symbols: []string{"BTC"}},
		ordersErr: errors.New("model returned garbage"),
		leverage: agent.LeverageAnalysis{Updates: []agent.LeverageIntent{{
			Symbol:   "BTC",
			Leverage: 20,
		}}},
	}
	svc := newTestService(t, exch, interp)

	result, err := svc.Run(context.Background(), "BTC杠杆调到20倍")
	if err != nil {
		t.Fatalf("node-level interpreter failure must not abort the run: %v", err)
	}
	if result.Success {
		t.Errorf("expected unsuccessful result due to stage error")
	}

	// 杠杆阶段不受委托分析失败影响。
	if got := exch.leverages["BTC/USDC:USDC"]; got != 20 {
		t.Errorf("expected leverage applied despite sibling failure, got %v", exch.leverages)
	}

	found := false
	for _, msg := range result.Errors {
		if strings.Contains(msg, "regular_orders") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected error channel entry for failed stage, got %v", result.Errors)
	}
}

func TestRun_LeverageNoopFiltered(t *testing.T) {
	exch := newTestExchange(t)
	exch.account = hyperliquid.AccountState{
		Positions: []hyperliquid.Position{{
			Symbol:   "BTC/USDC:USDC",
			Side:     "LONG",
			Size:     0.5,
			Leverage: 20,
		}},
	}
	interp := &mockInterpreter{
		symbols: agent.SymbolAnalysis{Symbols: []string{"BTC"}},
		leverage: agent.LeverageAnalysis{Updates: []agent.LeverageIntent{{
			Symbol:   "BTC",
			Leverage: 20,
		}}},
	}
	svc := newTestService(t, exch, interp)

	result, err := svc.Run(context.Background(), "BTC杠杆调到20倍")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if len(result.Actions) != 0 {
		t.Errorf("idempotent leverage update should be filtered, got %d actions", len(result.Actions))
	}
	if len(exch.leverages) != 0 {
		t.Errorf("no exchange call expected for no-op leverage, got %v", exch.leverages)
	}
}

func TestRun_MarketOrderWithoutPriceSkipped(t *testing.T) {
	exch := newTestExchange(t)
	delete(exch.prices, "ETH")
	interp := &mockInterpreter{
		symbols: agent.SymbolAnalysis{Symbols: []string{"ETH"}},
		orders: agent.OrderAnalysis{Orders: []agent.OrderIntent{{
			Symbol:    "ETH",
			Side:      "buy",
			OrderType: "market",
			SizeUSD:   500,
		}}},
	}
	svc := newTestService(t, exch, interp)

	result, err := svc.Run(context.Background(), "市价买入500美元ETH")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	// 取价失败落入错误通道；缺参考价的市价单被跳过，不算"尝试后失败"。
	if len(result.Actions) != 0 {
		t.Errorf("expected skipped order to produce no outcome, got %d", len(result.Actions))
	}
	if len(exch.orders) != 0 {
		t.Errorf("no order should reach the exchange, got %d", len(exch.orders))
	}
	if result.Success {
		t.Errorf("price fetch failure should surface in errors: %v", result.Errors)
	}
}

func TestRun_FatalWhenInstrumentsUnavailable(t *testing.T) {
	exch := newTestExchange(t)
	exch.instrumentsErr = errors.New("api down")
	svc := newTestService(t, exch, &mockInterpreter{})

	result, err := svc.Run(context.Background(), "买入BTC")
	if err == nil {
		t.Fatalf("expected fatal error when metadata is unavailable")
	}
	if result.Success {
		t.Errorf("aborted run must not report success")
	}
}

func TestRun_FatalWhenInstrumentsEmpty(t *testing.T) {
	exch := newTestExchange(t)
	exch.instruments = map[string]hyperliquid.Instrument{}
	svc := newTestService(t, exch, &mockInterpreter{})

	_, err := svc.Run(context.Background(), "买入BTC")
	if !errors.Is(err, ErrNoInstruments) {
		t.Fatalf("expected ErrNoInstruments, got %v", err)
	}
}

func TestApplyLeverageUpdates_FailedUpdateStaysPending(t *testing.T) {
	exch := newTestExchange(t)
	exch.failLeverage = map[int]error{10: errors.New("margin check failed")}
	svc := newTestService(t, exch, &mockInterpreter{})

	state := State{
		Instruments:     testInstruments(),
		PendingLeverage: map[string]int{"BTC": 20, "ETH": 10},
	}
	update, err := svc.applyLeverageUpdates(context.Background(), state)
	if err != nil {
		t.Fatalf("applyLeverageUpdates returned error: %v", err)
	}

	remaining := *update.PendingLeverage
	if len(remaining) != 1 {
		t.Fatalf("expected only the failed update to stay pending, got %v", remaining)
	}
	if lv, ok := remaining["ETH"]; !ok || lv != 10 {
		t.Errorf("failed update missing from pending set: %v", remaining)
	}
	// 成功项必须从待执行集合移除。
	if _, ok := remaining["BTC"]; ok {
		t.Errorf("succeeded update must not stay pending: %v", remaining)
	}
	if got := exch.leverages["BTC/USDC:USDC"]; got != 20 {
		t.Errorf("succeeded update not applied: %v", exch.leverages)
	}
}

func TestApplyLeverageUpdates_AliasKeysSettledIndependently(t *testing.T) {
	exch := newTestExchange(t)
	exch.failLeverage = map[int]error{10: errors.New("margin check failed")}
	svc := newTestService(t, exch, &mockInterpreter{})

	// 两个键解析到同一合约：一项成功不得把另一项的失败也标记为成功。
	state := State{
		Instruments: testInstruments(),
		PendingLeverage: map[string]int{
			"BTC":           20,
			"BTC/USDC:USDC": 10,
		},
	}
	update, err := svc.applyLeverageUpdates(context.Background(), state)
	if err != nil {
		t.Fatalf("applyLeverageUpdates returned error: %v", err)
	}

	remaining := *update.PendingLeverage
	if len(remaining) != 1 {
		t.Fatalf("expected the failed alias to stay pending, got %v", remaining)
	}
	if lv, ok := remaining["BTC/USDC:USDC"]; !ok || lv != 10 {
		t.Errorf("failed alias dropped from pending set: %v", remaining)
	}
}

func TestRun_FailedCancelStaysPending(t *testing.T) {
	exch := newTestExchange(t)
	exch.account = hyperliquid.AccountState{
		OpenOrders: []hyperliquid.OpenOrder{
			{ID: "A", Symbol: "BTC/USDC:USDC"},
			{ID: "B", Symbol: "ETH/USDC:USDC"},
		},
	}
	exch.failCancel = map[string]error{"A": errors.New("order already filled")}
	svc := newTestService(t, exch, &mockInterpreter{
		cancels: agent.CancelAnalysis{CancelAll: true},
	})

	initial := State{
		History: []agent.Message{{Role: "user", Content: "撤销所有挂单"}},
		Wallet:  "0xtest",
	}
	final, err := svc.graph.Run(context.Background(), initial)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(final.PendingCancels) != 1 || final.PendingCancels[0].OrderID != "A" {
		t.Fatalf("expected failed cancel to stay pending, got %v", final.PendingCancels)
	}
}

func TestRun_PendingChannelsEmptyAfterFullSuccess(t *testing.T) {
	exch := newTestExchange(t)
	exch.account = hyperliquid.AccountState{
		OpenOrders: []hyperliquid.OpenOrder{
			{ID: "A", Symbol: "BTC/USDC:USDC"},
			{ID: "B", Symbol: "ETH/USDC:USDC"},
		},
	}
	svc := newTestService(t, exch, &mockInterpreter{
		symbols: agent.SymbolAnalysis{Symbols: []string{"BTC"}},
		orders: agent.OrderAnalysis{Orders: []agent.OrderIntent{{
			Symbol:    "BTC",
			Side:      "buy",
			OrderType: "market",
			SizeUSD:   1000,
		}}},
		leverage: agent.LeverageAnalysis{Updates: []agent.LeverageIntent{{
			Symbol:   "BTC",
			Leverage: 20,
		}}},
		cancels: agent.CancelAnalysis{CancelAll: true},
	})

	initial := State{
		History: []agent.Message{{Role: "user", Content: "调整杠杆后买入并清空挂单"}},
		Wallet:  "0xtest",
	}
	final, err := svc.graph.Run(context.Background(), initial)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(final.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", final.Errors)
	}

	// 全部成功后各待执行通道必须清空。
	if len(final.PendingCancels) != 0 {
		t.Errorf("pending cancels not cleared: %v", final.PendingCancels)
	}
	if len(final.PendingLeverage) != 0 {
		t.Errorf("pending leverage not cleared: %v", final.PendingLeverage)
	}
	if len(final.PendingOrders) != 0 || len(final.PendingTriggers) != 0 {
		t.Errorf("pending orders not cleared: %v / %v", final.PendingOrders, final.PendingTriggers)
	}
}

func TestApply_ResultsUnionNeverOverwrites(t *testing.T) {
	key := pipeline.Key{Stage: pipeline.StageLeverage, Instrument: "BTC", Seq: 0}
	state := State{
		Results: map[pipeline.Key]pipeline.Outcome{
			key: {Key: key, Success: true, Message: "first"},
		},
	}

	other := pipeline.Key{Stage: pipeline.StageOrders, Instrument: "BTC", Seq: 0}
	state = apply(state, Update{
		Results: map[pipeline.Key]pipeline.Outcome{
			other: {Key: other, Success: false, Message: "second"},
		},
	})

	if len(state.Results) != 2 {
		t.Fatalf("stage-qualified keys must not collide, got %d entries", len(state.Results))
	}
	if !state.Results[key].Success {
		t.Errorf("earlier outcome was overwritten")
	}
}

func TestApply_ErrorsAccumulate(t *testing.T) {
	state := State{}
	state = apply(state, Update{Errors: []string{"a"}})
	state = apply(state, Update{Errors: []string{"b"}})
	if len(state.Errors) != 2 {
		t.Fatalf("expected accumulated errors, got %v", state.Errors)
	}
}

func TestFallbackSummary_NothingToDo(t *testing.T) {
	got := fallbackSummary(State{})
	if !strings.Contains(got, "无需执行") {
		t.Errorf("unexpected summary: %q", got)
	}
}

func TestFallbackSummary_CouldNotProceed(t *testing.T) {
	got := fallbackSummary(State{Errors: []string{"fetch_prices: BTC 取价失败"}})
	if !strings.Contains(got, "未执行任何操作") {
		t.Errorf("unexpected summary: %q", got)
	}
	if !strings.Contains(got, "取价失败") {
		t.Errorf("summary should carry the recorded error: %q", got)
	}
}
