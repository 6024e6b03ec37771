package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// PromptContext 汇集渲染提示词所需的工作流状态片段，全部以 JSON 形式注入。
type PromptContext struct {
	HistoryJSON    string
	SymbolsJSON    string
	PricesJSON     string
	AccountJSON    string
	OpenOrdersJSON string
	ResultsJSON    string
	ErrorsJSON     string
}

const contextBlock = `
用户会话历史（最后一条为本次指令）：
{{ .HistoryJSON }}

已识别的可交易合约：
{{ .SymbolsJSON }}

当前中间价：
{{ .PricesJSON }}

账户与持仓快照：
{{ .AccountJSON }}

当前挂单：
{{ .OpenOrdersJSON }}
`

const symbolTemplate = `
你是一个加密货币交易助手。从用户指令中识别所有被提及的合约符号（币种简称，如 BTC、ETH）。
只返回在"已知合约"列表中的符号；用户说"所有持仓"之类时，返回持仓和挂单涉及的全部符号。

用户会话历史（最后一条为本次指令）：
{{ .HistoryJSON }}

已知合约：
{{ .SymbolsJSON }}

持仓与挂单涉及的符号：
{{ .OpenOrdersJSON }}

请严格输出唯一的 JSON 对象：
{ "symbols": ["BTC", "ETH"] }

未提及任何合约时返回 { "symbols": [] }。
`

const orderTemplate = `
你是一个加密货币交易助手。从用户指令中提取所有"普通委托"（市价单与限价单），
不包括止盈/止损触发单、撤单和杠杆调整——那些由其它阶段处理。
` + contextBlock + `
请严格输出唯一的 JSON 对象：
{
  "orders": [
    {
      "symbol": "BTC",              // 合约简称，必须在已识别列表内
      "side": "buy|sell",
      "order_type": "market|limit",
      "limit_price": 0,              // limit 单必填，market 单填 0
      "size_usd": 0,                 // 美元名义金额，与 size 二选一
      "size": 0,                     // 币本位数量，与 size_usd 二选一
      "reduce_only": false
    }
  ],
  "reasoning": "..."
}

指令不涉及下单时返回 { "orders": [], "reasoning": "..." }。
`

const triggerTemplate = `
你是一个加密货币交易助手。从用户指令中提取所有"止盈/止损触发单"。
触发单只用于减仓：多头持仓的止盈/止损方向为 sell，空头为 buy。
` + contextBlock + `
请严格输出唯一的 JSON 对象：
{
  "orders": [
    {
      "symbol": "BTC",
      "side": "buy|sell",
      "kind": "tp|sl",               // tp 止盈，sl 止损
      "trigger_price": 0,
      "size_usd": 0,
      "size": 0
    }
  ],
  "reasoning": "..."
}

指令不涉及止盈止损时返回 { "orders": [], "reasoning": "..." }。
`

const leverageTemplate = `
你是一个加密货币交易助手。从用户指令中提取所有"杠杆调整"请求。
` + contextBlock + `
请严格输出唯一的 JSON 对象：
{
  "updates": [
    { "symbol": "BTC", "leverage": 20 }
  ],
  "reasoning": "..."
}

指令不涉及杠杆时返回 { "updates": [], "reasoning": "..." }。
`

const cancelTemplate = `
你是一个加密货币交易助手。从用户指令中提取所有"撤单"请求。
用户要求撤销全部挂单时置 cancel_all 为 true；指定某些挂单时从"当前挂单"
里选出对应的 order_id。
` + contextBlock + `
请严格输出唯一的 JSON 对象：
{
  "cancel_all": false,
  "cancels": [
    { "symbol": "BTC", "order_id": "..." }
  ],
  "reasoning": "..."
}

指令不涉及撤单时返回 { "cancel_all": false, "cancels": [], "reasoning": "..." }。
`

const summaryTemplate = `
你是一个加密货币交易助手。根据本次工作流的执行结果，用简洁的中文向用户汇报。
要求：
1. 明确区分三种情形：本次无需任何操作 / 部分操作失败 / 整个流程无法继续；
2. 逐项列出已执行动作及其成败；
3. 失败项给出失败原因，不要编造未执行的内容。

用户会话历史：
{{ .HistoryJSON }}

各阶段执行结果：
{{ .ResultsJSON }}

流程中记录的错误：
{{ .ErrorsJSON }}

直接输出汇报文本，不要输出 JSON。
`

var (
	symbolTmpl   = template.Must(template.New("symbols").Parse(symbolTemplate))
	orderTmpl    = template.Must(template.New("orders").Parse(orderTemplate))
	triggerTmpl  = template.Must(template.New("triggers").Parse(triggerTemplate))
	leverageTmpl = template.Must(template.New("leverage").Parse(leverageTemplate))
	cancelTmpl   = template.Must(template.New("cancel").Parse(cancelTemplate))
	summaryTmpl  = template.Must(template.New("summary").Parse(summaryTemplate))
)

func renderPrompt(tmpl *template.Template, ctx PromptContext) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}

// MarshalContext 把任意状态片段序列化为注入提示词的 JSON 字符串。
func MarshalContext(v interface{}) string {
	if v == nil {
		return "null"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
