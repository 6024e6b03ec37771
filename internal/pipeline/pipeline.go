package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hyperagent/internal/hyperliquid"
)

// Ledger 抽象交易所提交操作，方便在测试中替换真实客户端。
type Ledger interface {
	SubmitOrder(ctx context.Context, session *hyperliquid.Session, spec hyperliquid.OrderSpec) (string, error)
	CancelOrder(ctx context.Context, session *hyperliquid.Session, symbol, orderID string) (string, error)
	UpdateLeverage(ctx context.Context, session *hyperliquid.Session, symbol string, leverage int) (string, error)
}

// Options 控制批量执行行为。
type Options struct {
	// Stagger 为相邻两笔提交之间的交错延迟，仅作为协作式排序提示；
	// 序号正确性由签名会话的原子计数器保证。
	Stagger time.Duration
	// Slippage 为市价单的方向性滑点缓冲。
	Slippage float64
}

// Pipeline 对同一签名身份并发提交一批同质请求，逐项收集成败结果。
// 一次调用共享一个签名会话，单项失败不取消、不阻塞其它项。
type Pipeline struct {
	ledger  Ledger
	logger  *zap.Logger
	stagger time.Duration
	slip    float64
}

// New 创建批量执行管线。
func New(ledger Ledger, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	stagger := opts.Stagger
	if stagger < 0 {
		stagger = 0
	}
	slip := opts.Slippage
	if slip <= 0 {
		slip = 0.02
	}
	return &Pipeline{
		ledger:  ledger,
		logger:  logger,
		stagger: stagger,
		slip:    slip,
	}
}

type submission struct {
	key Key
	run func(ctx context.Context) (string, string, error) // 返回 (message, response, error)
}

// dispatch 并发执行全部提交项：第 i 项延迟 i×δ 发出，所有项独立结算。
func (p *Pipeline) dispatch(ctx context.Context, items []submission) map[Key]Outcome {
	outcomes := make(map[Key]Outcome, len(items))
	if len(items) == 0 {
		return outcomes
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item submission) {
			defer wg.Done()

			if delay := time.Duration(i) * p.stagger; delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}

			outcome := Outcome{Key: item.key}
			if err := ctx.Err(); err != nil {
				outcome.Message = "提交前已取消"
				outcome.Err = err.Error()
			} else if message, response, err := item.run(ctx); err != nil {
				outcome.Message = message
				outcome.Err = err.Error()
			} else {
				outcome.Success = true
				outcome.Message = message
				outcome.Response = response
			}

			mu.Lock()
			outcomes[item.key] = outcome
			mu.Unlock()
		}(i, item)
	}

	wg.Wait()
	return outcomes
}

// ExecuteOrders 批量提交委托（普通单或触发单）。
// 缺失合约元数据、或市价单缺失参考价的项被直接跳过（不产生结果条目），
// 调用方应把"结果中不存在"理解为"未尝试"，区别于"尝试后失败"。
func (p *Pipeline) ExecuteOrders(
	ctx context.Context,
	session *hyperliquid.Session,
	stage Stage,
	requests []Request,
	instruments map[string]hyperliquid.Instrument,
	prices map[string]float64,
) map[Key]Outcome {
	items := make([]submission, 0, len(requests))

	for i, req := range requests {
		inst, ok := resolveInstrument(instruments, req.Symbol)
		if !ok {
			p.logger.Warn("跳过未知合约的委托",
				zap.String("stage", string(stage)),
				zap.String("symbol", req.Symbol),
			)
			continue
		}

		// 参考价：限价单用限价，触发单用触发价，市价单用当前中间价。
		refPrice := req.LimitPrice
		if req.TriggerPrice > 0 {
			refPrice = req.TriggerPrice
		}
		isMarket := req.OrderType == "market" && req.TriggerPrice <= 0
		if isMarket {
			refPrice = prices[inst.Base]
			if refPrice <= 0 {
				p.logger.Warn("跳过缺失参考价的市价单",
					zap.String("stage", string(stage)),
					zap.String("symbol", inst.Base),
				)
				continue
			}
		}

		amount, err := normalizeSize(req.SizeUSD, req.Size, refPrice, inst.MinNotional, inst.SzDecimals)
		if err != nil {
			p.logger.Warn("跳过无法归一化的委托",
				zap.String("stage", string(stage)),
				zap.String("symbol", inst.Base),
				zap.Error(err),
			)
			continue
		}

		submitPrice := refPrice
		if isMarket {
			submitPrice = bufferedPrice(refPrice, req.Side, p.slip)
		}

		spec := hyperliquid.OrderSpec{
			Symbol:       inst.Symbol,
			Type:         req.OrderType,
			Side:         req.Side,
			Amount:       amount,
			Price:        normalizePrice(submitPrice, inst.PriceDecimals),
			ReduceOnly:   req.ReduceOnly,
			TriggerPrice: normalizePrice(req.TriggerPrice, inst.PriceDecimals),
			TriggerType:  req.TriggerKind,
		}
		if req.TriggerKind != "" {
			// 触发单只减仓。
			spec.ReduceOnly = true
		}

		key := Key{Stage: stage, Instrument: inst.Base, Seq: i}
		items = append(items, submission{
			key: key,
			run: func(ctx context.Context) (string, string, error) {
				orderID, err := p.ledger.SubmitOrder(ctx, session, spec)
				message := describeOrder(spec)
				if err != nil {
					return message, "", err
				}
				return message, orderID, nil
			},
		})
	}

	return p.dispatch(ctx, items)
}

// ExecuteLeverage 批量提交杠杆调整。超出合约上限的请求按"尝试后失败"处理。
func (p *Pipeline) ExecuteLeverage(
	ctx context.Context,
	session *hyperliquid.Session,
	updates map[string]int,
	instruments map[string]hyperliquid.Instrument,
) map[Key]Outcome {
	symbols := make([]string, 0, len(updates))
	for symbol := range updates {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	items := make([]submission, 0, len(symbols))
	for i, symbol := range symbols {
		leverage := updates[symbol]
		inst, ok := resolveInstrument(instruments, symbol)
		if !ok {
			p.logger.Warn("跳过未知合约的杠杆调整", zap.String("symbol", symbol))
			continue
		}

		key := Key{Stage: StageLeverage, Instrument: inst.Base, Seq: i}
		items = append(items, submission{
			key: key,
			run: func(ctx context.Context) (string, string, error) {
				message := describeLeverage(inst.Base, leverage)
				if inst.MaxLeverage > 0 && leverage > inst.MaxLeverage {
					return message, "", &leverageLimitError{symbol: inst.Base, requested: leverage, max: inst.MaxLeverage}
				}
				response, err := p.ledger.UpdateLeverage(ctx, session, inst.Symbol, leverage)
				if err != nil {
					return message, "", err
				}
				return message, response, nil
			},
		})
	}

	return p.dispatch(ctx, items)
}

// ExecuteCancellations 批量撤单。
func (p *Pipeline) ExecuteCancellations(
	ctx context.Context,
	session *hyperliquid.Session,
	cancels []CancelRequest,
	instruments map[string]hyperliquid.Instrument,
) map[Key]Outcome {
	items := make([]submission, 0, len(cancels))
	for i, cancel := range cancels {
		inst, ok := resolveInstrument(instruments, cancel.Symbol)
		if !ok {
			p.logger.Warn("跳过未知合约的撤单", zap.String("symbol", cancel.Symbol))
			continue
		}

		orderID := cancel.OrderID
		key := Key{Stage: StageCancel, Instrument: inst.Base, Seq: i}
		items = append(items, submission{
			key: key,
			run: func(ctx context.Context) (string, string, error) {
				message := describeCancel(inst.Base, orderID)
				status, err := p.ledger.CancelOrder(ctx, session, inst.Symbol, orderID)
				if err != nil {
					return message, "", err
				}
				return message, status, nil
			},
		})
	}

	return p.dispatch(ctx, items)
}

// resolveInstrument 按币种简称或完整符号查找合约元数据。
func resolveInstrument(instruments map[string]hyperliquid.Instrument, symbol string) (hyperliquid.Instrument, bool) {
	needle := strings.ToUpper(strings.TrimSpace(symbol))
	if needle == "" {
		return hyperliquid.Instrument{}, false
	}
	if inst, ok := instruments[needle]; ok {
		return inst, true
	}
	for _, inst := range instruments {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst, true
		}
	}
	// "BTC/USDC:USDC" 形式退化为简称再查一次。
	if idx := strings.IndexAny(needle, "/:"); idx > 0 {
		if inst, ok := instruments[needle[:idx]]; ok {
			return inst, true
		}
	}
	return hyperliquid.Instrument{}, false
}
