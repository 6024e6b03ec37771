package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AccountSnapshot 并发拉取余额、持仓与挂单并聚合为一份账户快照。
func (c *Client) AccountSnapshot(ctx context.Context) (AccountState, error) {
	var (
		balances  ccxt.Balances
		positions []ccxt.Position
		orders    []ccxt.Order
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.callWithRetry(groupCtx, "fetch_balance", func() error {
			result, err := c.exchange.FetchBalance()
			if err != nil {
				return err
			}
			balances = result
			return nil
		})
	})

	group.Go(func() error {
		return c.callWithRetry(groupCtx, "fetch_positions", func() error {
			result, err := c.exchange.FetchPositions()
			if err != nil {
				return err
			}
			positions = result
			return nil
		})
	})

	group.Go(func() error {
		return c.callWithRetry(groupCtx, "fetch_open_orders", func() error {
			result, err := c.exchange.FetchOpenOrders()
			if err != nil {
				return err
			}
			orders = result
			return nil
		})
	})

	if err := group.Wait(); err != nil {
		return AccountState{}, fmt.Errorf("hyperliquid: 获取账户快照失败: %w", err)
	}

	state := AccountState{
		Balance:     convertBalance(balances),
		Positions:   convertPositions(positions),
		OpenOrders:  convertOrders(orders),
		RetrievedAt: time.Now().UTC(),
	}

	c.logger.Debug("账户快照获取完成",
		zap.Float64("equity", state.Balance.TotalEquity),
		zap.Int("positions", len(state.Positions)),
		zap.Int("open_orders", len(state.OpenOrders)),
	)

	return state, nil
}

func convertBalance(balances ccxt.Balances) AccountBalance {
	var balance AccountBalance

	if balances.Total != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if total, ok := balances.Total[code]; ok && total != nil {
				balance.TotalUSD = *total
				balance.TotalEquity = *total
				break
			}
		}
	}
	if balances.Free != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				balance.FreeUSD = *free
				break
			}
		}
	}

	// Hyperliquid 把账户权益细节放在 info.marginSummary 里。
	if balances.Info != nil {
		if summary, ok := balances.Info["marginSummary"].(map[string]interface{}); ok {
			if v := parseNumeric(summary["accountValue"]); v > 0 {
				balance.TotalEquity = v
			}
			if v := parseNumeric(summary["totalMarginUsed"]); v > 0 {
				balance.MarginUsed = v
			}
			if v := parseNumeric(summary["totalNtlPos"]); v > 0 {
				balance.TotalNotional = v
			}
		}
		if v := parseNumeric(balances.Info["withdrawable"]); v > 0 {
			balance.Withdrawable = v
		}
	}

	if balance.TotalEquity == 0 {
		balance.TotalEquity = balance.TotalUSD
	}

	return balance
}

func convertPositions(rawPositions []ccxt.Position) []Position {
	positions := make([]Position, 0, len(rawPositions))
	for _, rawPos := range rawPositions {
		size := derefFloat(rawPos.Contracts)
		if size == 0 {
			continue
		}

		side := strings.ToUpper(strings.TrimSpace(derefString(rawPos.Side)))
		if side == "" {
			side = "LONG"
		}

		mark := derefFloat(rawPos.MarkPrice)
		unrealized := derefFloat(rawPos.UnrealizedPnl)
		if rawPos.Info != nil {
			if inner, ok := rawPos.Info["position"].(map[string]interface{}); ok {
				if mark == 0 {
					mark = parseNumeric(inner["markPx"])
				}
				if unrealized == 0 {
					unrealized = parseNumeric(inner["unrealizedPnl"])
				}
			}
		}

		positions = append(positions, Position{
			Symbol:        derefString(rawPos.Symbol),
			Side:          side,
			Size:          size,
			EntryPrice:    derefFloat(rawPos.EntryPrice),
			MarkPrice:     mark,
			LiqPrice:      derefFloat(rawPos.LiquidationPrice),
			Notional:      derefFloat(rawPos.Notional),
			UnrealizedPnl: unrealized,
			Leverage:      derefFloat(rawPos.Leverage),
		})
	}
	return positions
}

func convertOrders(rawOrders []ccxt.Order) []OpenOrder {
	orders := make([]OpenOrder, 0, len(rawOrders))
	for _, raw := range rawOrders {
		id := derefString(raw.Id)
		if id == "" {
			continue
		}
		orders = append(orders, OpenOrder{
			ID:         id,
			Symbol:     derefString(raw.Symbol),
			Side:       strings.ToLower(derefString(raw.Side)),
			Type:       strings.ToLower(derefString(raw.Type)),
			Price:      derefFloat(raw.Price),
			Amount:     derefFloat(raw.Amount),
			ReduceOnly: derefBool(raw.ReduceOnly),
		})
	}
	return orders
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
