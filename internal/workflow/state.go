package workflow

import (
	"fmt"
	"sort"

	"hyperagent/internal/agent"
	"hyperagent/internal/graph"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/pipeline"
)

// State 为一次工作流运行独占的共享状态聚合。每个字段是一条状态通道，
// 节点从不就地修改 State，只通过 Update 返回增量，由 apply 按通道归并。
type State struct {
	History []agent.Message

	Wallet      string
	Instruments map[string]hyperliquid.Instrument
	Prices      map[string]float64
	Symbols     []string

	Account    *hyperliquid.AccountState
	OpenOrders []hyperliquid.OpenOrder

	PendingOrders   []pipeline.Request
	PendingTriggers []pipeline.Request
	PendingLeverage map[string]int
	PendingCancels  []pipeline.CancelRequest

	// Results 聚合全部管线的逐项结果；键含阶段，跨阶段不会碰撞，
	// 归并时只增不改，早先阶段的结果不会被后续阶段覆盖。
	Results map[pipeline.Key]pipeline.Outcome

	// Errors 累积各节点记录的错误。刻意不用"最后写入获胜"的覆盖归并：
	// 那会让后来的成功阶段悄悄抹掉先前的真实错误。
	Errors []string

	Summary string
}

// Update 为节点返回的增量更新，只给出所改动的通道。
// 指针字段为 nil 表示该通道未被触及，区别于"写入空集合"。
type Update struct {
	History []agent.Message // append

	Wallet      string                            // 右偏覆盖
	Instruments map[string]hyperliquid.Instrument // 并集，单调只增
	Prices      map[string]float64                // 并集，单调只增
	Symbols     *[]string                         // 替换

	Account    *hyperliquid.AccountState // 替换
	OpenOrders *[]hyperliquid.OpenOrder  // 替换

	PendingOrders   *[]pipeline.Request       // 替换
	PendingTriggers *[]pipeline.Request       // 替换
	PendingLeverage *map[string]int           // 替换
	PendingCancels  *[]pipeline.CancelRequest // 替换

	Results map[pipeline.Key]pipeline.Outcome // 并集

	Errors []string // append

	Summary string // 右偏覆盖
}

func apply(s State, u Update) State {
	s.History = graph.Append(s.History, u.History)
	s.Wallet = graph.Overwrite(s.Wallet, u.Wallet)
	s.Instruments = graph.Union(s.Instruments, u.Instruments)
	s.Prices = graph.Union(s.Prices, u.Prices)
	if u.Symbols != nil {
		s.Symbols = *u.Symbols
	}
	s.Account = graph.Coalesce(s.Account, u.Account)
	if u.OpenOrders != nil {
		s.OpenOrders = *u.OpenOrders
	}
	if u.PendingOrders != nil {
		s.PendingOrders = *u.PendingOrders
	}
	if u.PendingTriggers != nil {
		s.PendingTriggers = *u.PendingTriggers
	}
	if u.PendingLeverage != nil {
		s.PendingLeverage = *u.PendingLeverage
	}
	if u.PendingCancels != nil {
		s.PendingCancels = *u.PendingCancels
	}
	s.Results = graph.Union(s.Results, u.Results)
	s.Errors = graph.Append(s.Errors, u.Errors)
	s.Summary = graph.Overwrite(s.Summary, u.Summary)
	return s
}

func onNodeError(name string, err error) Update {
	return Update{Errors: []string{fmt.Sprintf("%s: %v", name, err)}}
}

// Outcomes 按 (阶段, 合约, 序号) 排序返回全部执行结果。
func (s State) Outcomes() []pipeline.Outcome {
	outcomes := make([]pipeline.Outcome, 0, len(s.Results))
	for _, outcome := range s.Results {
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		a, b := outcomes[i].Key, outcomes[j].Key
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.Seq < b.Seq
	})
	return outcomes
}

// StageOutcomes 过滤出指定阶段的结果。
func (s State) StageOutcomes(stage pipeline.Stage) map[pipeline.Key]pipeline.Outcome {
	filtered := make(map[pipeline.Key]pipeline.Outcome)
	for key, outcome := range s.Results {
		if key.Stage == stage {
			filtered[key] = outcome
		}
	}
	return filtered
}

func ptr[T any](v T) *T {
	return &v
}
