package workflow

import (
	"fmt"
	"strings"
)

// fallbackSummary 在解释器不可用时给出确定性的执行汇总。
// 三种情形要能区分开：无事可做 / 部分失败 / 流程未能继续。
func fallbackSummary(state State) string {
	outcomes := state.Outcomes()

	if len(outcomes) == 0 {
		if len(state.Errors) == 0 {
			return "本次指令无需执行任何交易操作。"
		}
		var b strings.Builder
		b.WriteString("本次未执行任何操作，流程中出现以下问题：\n")
		for _, msg := range state.Errors {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	succeeded := 0
	for _, outcome := range outcomes {
		if outcome.Success {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "共执行 %d 项操作，成功 %d 项，失败 %d 项：\n",
		len(outcomes), succeeded, len(outcomes)-succeeded)
	for _, outcome := range outcomes {
		status := "成功"
		if !outcome.Success {
			status = "失败"
		}
		fmt.Fprintf(&b, "- [%s] %s：%s", status, outcome.Key, outcome.Message)
		if !outcome.Success && outcome.Err != "" {
			fmt.Fprintf(&b, "（%s）", outcome.Err)
		}
		b.WriteString("\n")
	}

	if len(state.Errors) > 0 {
		b.WriteString("其它问题：\n")
		for _, msg := range state.Errors {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
