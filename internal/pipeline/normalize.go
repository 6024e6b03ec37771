package pipeline

import (
	"errors"
	"math"
)

// 价格与数量统一先取 5 位有效数字，再按合约的小数位契约截齐。
const significantFigures = 5

func roundSignificant(v float64, figures int) float64 {
	if v == 0 {
		return 0
	}
	exponent := math.Floor(math.Log10(math.Abs(v)))
	scale := math.Pow(10, float64(figures-1)-exponent)
	return math.Round(v*scale) / scale
}

func roundDecimals(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// normalizeSize 计算并归一化下单数量。名义价值不足最小订单价值时，
// 不拒单而是按 minNotional/price 抬高数量。尺寸计算始终使用未加滑点的参考价。
func normalizeSize(sizeUSD, size, refPrice, minNotional float64, szDecimals int) (float64, error) {
	if refPrice <= 0 {
		return 0, errors.New("pipeline: 参考价格无效")
	}

	amount := size
	if amount <= 0 {
		if sizeUSD <= 0 {
			return 0, errors.New("pipeline: 数量与名义金额均未给出")
		}
		amount = sizeUSD / refPrice
	}

	if minNotional > 0 && refPrice*amount < minNotional {
		amount = minNotional / refPrice
	}

	amount = roundDecimals(roundSignificant(amount, significantFigures), szDecimals)
	if amount <= 0 {
		return 0, errors.New("pipeline: 归一化后数量为零")
	}
	return amount, nil
}

// normalizePrice 归一化委托价格。
func normalizePrice(price float64, priceDecimals int) float64 {
	return roundDecimals(roundSignificant(price, significantFigures), priceDecimals)
}

// bufferedPrice 对市价单施加方向性滑点缓冲：买单抬价、卖单压价，
// 使可成交限价单立即吃掉对手盘。数量计算不使用缓冲后的价格。
func bufferedPrice(refPrice float64, side string, slippage float64) float64 {
	if slippage <= 0 {
		return refPrice
	}
	if side == "buy" {
		return refPrice * (1 + slippage)
	}
	return refPrice * (1 - slippage)
}
