package hyperliquid

import "time"

// Instrument 描述一个可交易合约的静态元数据。一经拉取即视为不可变。
type Instrument struct {
	Symbol        string // ccxt 统一符号，如 BTC/USDC:USDC
	Base          string // 币种简称，如 BTC
	AssetID       int    // 交易所资产序号，解析失败时为 -1
	SzDecimals    int    // 下单数量允许的小数位
	PriceDecimals int    // 委托价格允许的小数位
	MaxLeverage   int
	MinNotional   float64 // 交易所要求的最小订单名义价值（USD）
}

// AccountBalance 描述账户权益及可用余额。
type AccountBalance struct {
	TotalEquity   float64
	TotalUSD      float64
	FreeUSD       float64
	Withdrawable  float64
	MarginUsed    float64
	TotalNotional float64
	Unrealized    float64
}

// Position 表示单个合约的持仓详情。
type Position struct {
	Symbol        string
	Side          string // LONG | SHORT
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	LiqPrice      float64
	Notional      float64
	UnrealizedPnl float64
	Leverage      float64
}

// OpenOrder 表示一笔挂单。
type OpenOrder struct {
	ID         string
	Symbol     string
	Side       string
	Type       string
	Price      float64
	Amount     float64
	ReduceOnly bool
}

// AccountState 聚合余额、持仓与挂单，由一次并发快照获取。
type AccountState struct {
	Balance     AccountBalance
	Positions   []Position
	OpenOrders  []OpenOrder
	RetrievedAt time.Time
}

// OrderSpec 描述一笔已完成精度归一化、可直接提交的委托。
type OrderSpec struct {
	Symbol       string
	Type         string // market | limit
	Side         string // buy | sell
	Amount       float64
	Price        float64
	ReduceOnly   bool
	TriggerPrice float64 // 触发单的触发价，普通单为 0
	TriggerType  string  // tp | sl，普通单为空
}
