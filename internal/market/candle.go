package market

import (
	"fmt"
	"math"
	"sort"
)

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Finite 报告 OHLCV 是否全部为有限数值。
func (c Candle) Finite() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Up 报告该 K 线是否收涨（含平盘）。
func (c Candle) Up() bool {
	return c.Close >= c.Open
}

// SortCandles 按 OpenTime 升序排列。
func SortCandles(candles []Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
}

// CheckSeries 校验一段 K 线序列是否满足回测引擎的输入契约：
// 时间严格递增、无重复、数值有限、高低价包住开收价。
// 任一违反都视为数据错误，整个 run 不应继续。
func CheckSeries(symbol string, candles []Candle) error {
	if len(candles) == 0 {
		return fmt.Errorf("%s: 序列为空", symbol)
	}
	var prev int64 = -1
	for i, c := range candles {
		if !c.Finite() {
			return fmt.Errorf("%s: 第 %d 根 K 线包含非有限数值", symbol, i)
		}
		if c.OpenTime <= prev {
			return fmt.Errorf("%s: 第 %d 根 K 线时间未递增 (%d <= %d)", symbol, i, c.OpenTime, prev)
		}
		if c.High < c.Low {
			return fmt.Errorf("%s: 第 %d 根 K 线 high < low", symbol, i)
		}
		if c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
			return fmt.Errorf("%s: 第 %d 根 K 线开收价越出高低区间", symbol, i)
		}
		if c.Volume < 0 {
			return fmt.Errorf("%s: 第 %d 根 K 线成交量为负", symbol, i)
		}
		prev = c.OpenTime
	}
	return nil
}

// Closes 提取收盘价列，供指标计算使用。
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs 提取最高价列。
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows 提取最低价列。
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
