package pipeline

import "fmt"

// Stage 标识批量执行所属的工作流阶段，用于结果键避免跨阶段碰撞。
type Stage string

const (
	StageOrders   Stage = "orders"
	StageTriggers Stage = "tp_sl"
	StageLeverage Stage = "leverage"
	StageCancel   Stage = "cancel"
)

// Key 为单个执行项的稳定结果键：(阶段, 合约, 批内序号)。
type Key struct {
	Stage      Stage
	Instrument string
	Seq        int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Stage, k.Instrument, k.Seq)
}

// Outcome 记录单个执行项的最终结果。创建后不再修改，
// 归并进聚合结果时只增不改，保证早先阶段的结果不被后续阶段覆盖。
type Outcome struct {
	Key      Key    `json:"key"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Response string `json:"response,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Request 描述一笔待执行的委托（普通单或触发单），字段尚未做精度归一化。
type Request struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	OrderType    string  `json:"order_type"` // market | limit
	LimitPrice   float64 `json:"limit_price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	TriggerKind  string  `json:"trigger_kind,omitempty"` // tp | sl
	SizeUSD      float64 `json:"size_usd,omitempty"`
	Size         float64 `json:"size,omitempty"`
	ReduceOnly   bool    `json:"reduce_only,omitempty"`
}

// LeverageRequest 描述一次杠杆调整。
type LeverageRequest struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}

// CancelRequest 描述一次撤单。
type CancelRequest struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
}
