package pipeline

import (
	"fmt"

	"hyperagent/internal/hyperliquid"
)

type leverageLimitError struct {
	symbol    string
	requested int
	max       int
}

func (e *leverageLimitError) Error() string {
	return fmt.Sprintf("pipeline: %s 杠杆 %dx 超过合约上限 %dx", e.symbol, e.requested, e.max)
}

func describeOrder(spec hyperliquid.OrderSpec) string {
	if spec.TriggerType != "" {
		kind := "止盈"
		if spec.TriggerType == "sl" {
			kind = "止损"
		}
		return fmt.Sprintf("%s %s %s %.8g @ 触发价 %.8g", kind, spec.Side, spec.Symbol, spec.Amount, spec.TriggerPrice)
	}
	return fmt.Sprintf("%s %s %s %.8g @ %.8g", spec.Type, spec.Side, spec.Symbol, spec.Amount, spec.Price)
}

func describeLeverage(symbol string, leverage int) string {
	return fmt.Sprintf("调整 %s 杠杆至 %dx", symbol, leverage)
}

func describeCancel(symbol, orderID string) string {
	return fmt.Sprintf("撤销 %s 挂单 %s", symbol, orderID)
}
