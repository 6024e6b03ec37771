package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Message 为会话历史中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var (
	validSides = map[string]struct{}{
		"buy":  {},
		"sell": {},
	}
	validOrderTypes = map[string]struct{}{
		"market": {},
		"limit":  {},
	}
	validTriggerKinds = map[string]struct{}{
		"tp": {},
		"sl": {},
	}
)

// OrderIntent 表示模型解析出的一笔普通委托意图。
type OrderIntent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	OrderType  string  `json:"order_type"`
	LimitPrice float64 `json:"limit_price"`
	SizeUSD    float64 `json:"size_usd"`
	Size       float64 `json:"size"`
	ReduceOnly bool    `json:"reduce_only"`
}

// Validate 校验订单意图字段合法性。
func (o OrderIntent) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return errors.New("symbol 不能为空")
	}
	side := strings.ToLower(strings.TrimSpace(o.Side))
	if _, ok := validSides[side]; !ok {
		return fmt.Errorf("side 取值非法: %s", o.Side)
	}
	orderType := strings.ToLower(strings.TrimSpace(o.OrderType))
	if _, ok := validOrderTypes[orderType]; !ok {
		return fmt.Errorf("order_type 取值非法: %s", o.OrderType)
	}
	if orderType == "limit" && o.LimitPrice <= 0 {
		return errors.New("limit 单必须给出 limit_price")
	}
	if o.SizeUSD <= 0 && o.Size <= 0 {
		return errors.New("size_usd 与 size 至少给出一个正值")
	}
	return nil
}

// OrderAnalysis 为普通委托分析阶段的结果：空列表代表本次指令不涉及下单。
type OrderAnalysis struct {
	Orders    []OrderIntent `json:"orders"`
	Reasoning string        `json:"reasoning"`
}

// Found 报告分析是否产出了待执行项。
func (a OrderAnalysis) Found() bool {
	return len(a.Orders) > 0
}

// Validate 逐项校验。
func (a OrderAnalysis) Validate() error {
	for i, o := range a.Orders {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("orders[%d]: %w", i, err)
		}
	}
	return nil
}

// TriggerIntent 表示一笔止盈/止损触发单意图。触发单始终只减仓。
type TriggerIntent struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Kind         string  `json:"kind"`
	TriggerPrice float64 `json:"trigger_price"`
	SizeUSD      float64 `json:"size_usd"`
	Size         float64 `json:"size"`
}

// Validate 校验触发单意图字段合法性。
func (o TriggerIntent) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return errors.New("symbol 不能为空")
	}
	side := strings.ToLower(strings.TrimSpace(o.Side))
	if _, ok := validSides[side]; !ok {
		return fmt.Errorf("side 取值非法: %s", o.Side)
	}
	kind := strings.ToLower(strings.TrimSpace(o.Kind))
	if _, ok := validTriggerKinds[kind]; !ok {
		return fmt.Errorf("kind 取值非法: %s", o.Kind)
	}
	if o.TriggerPrice <= 0 {
		return errors.New("trigger_price 必须为正")
	}
	if o.SizeUSD <= 0 && o.Size <= 0 {
		return errors.New("size_usd 与 size 至少给出一个正值")
	}
	return nil
}

// TriggerAnalysis 为止盈/止损分析阶段的结果。
type TriggerAnalysis struct {
	Orders    []TriggerIntent `json:"orders"`
	Reasoning string          `json:"reasoning"`
}

// Found 报告分析是否产出了待执行项。
func (a TriggerAnalysis) Found() bool {
	return len(a.Orders) > 0
}

// Validate 逐项校验。
func (a TriggerAnalysis) Validate() error {
	for i, o := range a.Orders {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("orders[%d]: %w", i, err)
		}
	}
	return nil
}

// LeverageIntent 表示一次杠杆调整意图。
type LeverageIntent struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}

// Validate 校验杠杆意图字段合法性。
func (o LeverageIntent) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return errors.New("symbol 不能为空")
	}
	if o.Leverage < 1 || o.Leverage > 100 {
		return fmt.Errorf("leverage 必须位于 [1,100]，当前为 %d", o.Leverage)
	}
	return nil
}

// LeverageAnalysis 为杠杆调整分析阶段的结果。
type LeverageAnalysis struct {
	Updates   []LeverageIntent `json:"updates"`
	Reasoning string           `json:"reasoning"`
}

// Found 报告分析是否产出了待执行项。
func (a LeverageAnalysis) Found() bool {
	return len(a.Updates) > 0
}

// Validate 逐项校验。
func (a LeverageAnalysis) Validate() error {
	for i, o := range a.Updates {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("updates[%d]: %w", i, err)
		}
	}
	return nil
}

// CancelIntent 指向一笔需要撤销的挂单。
type CancelIntent struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
}

// CancelAnalysis 为撤单分析阶段的结果。CancelAll 为真时由调用方
// 基于当前挂单快照展开成具体撤单列表。
type CancelAnalysis struct {
	CancelAll bool           `json:"cancel_all"`
	Cancels   []CancelIntent `json:"cancels"`
	Reasoning string         `json:"reasoning"`
}

// Found 报告分析是否产出了待执行项。
func (a CancelAnalysis) Found() bool {
	return a.CancelAll || len(a.Cancels) > 0
}

// Validate 逐项校验。
func (a CancelAnalysis) Validate() error {
	for i, c := range a.Cancels {
		if strings.TrimSpace(c.OrderID) == "" {
			return fmt.Errorf("cancels[%d]: order_id 不能为空", i)
		}
	}
	return nil
}

// SymbolAnalysis 为符号识别阶段的结果。
type SymbolAnalysis struct {
	Symbols []string `json:"symbols"`
}
