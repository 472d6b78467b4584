package engine

import (
	"barwalk/internal/analysis/indicator"
	"barwalk/internal/market"
)

// Direction 是信号方向。
type Direction int

const (
	Short Direction = -1
	Flat  Direction = 0
	Long  Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	}
	return "flat"
}

// SignalEvent 是信号生成器在一根 K 线收盘后给出的方向性意图。
type SignalEvent struct {
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// SignalEvaluation 是过滤器对一条信号的放行裁定。
type SignalEvaluation struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// StrategyContext 是信号链在单根 K 线上可见的全部输入。
// Bars 截止到当前 K 线（含），不包含未来数据。
type StrategyContext struct {
	Symbol    string
	Bars      []market.Candle
	Idx       int
	Ind       indicator.Snapshot
	Portfolio Portfolio
	Equity    float64
	Position  *Position
}

// Bar 返回当前 K 线。
func (c StrategyContext) Bar() market.Candle {
	return c.Bars[c.Idx]
}

// SignalGenerator 在每根 K 线收盘后给出方向意图。
type SignalGenerator interface {
	Signal(sctx StrategyContext) SignalEvent
}

// SignalFilter 对信号做放行裁定。被否决的信号照样进诊断计数，
// 但不会产生订单。
type SignalFilter interface {
	Evaluate(sctx StrategyContext, sig SignalEvent) SignalEvaluation
}

// OrderPolicy 把放行后的信号翻译为下一交易时段的订单意图。
// 只产意图，不产成交。
type OrderPolicy interface {
	Build(sctx StrategyContext, sig SignalEvent) []OrderIntent
}

// ManageContext 是持仓管理器在单根 K 线上可见的输入。
type ManageContext struct {
	Pos    Position
	Bars   []market.Candle
	Idx    int
	Ind    indicator.Snapshot
	Stop   *Order
	Target *Order
}

// Bar 返回当前 K 线。
func (c ManageContext) Bar() market.Candle {
	return c.Bars[c.Idx]
}

// PositionManager 维护存量持仓的保护性订单：只能对订单簿表达
// 撤换意图，产出的止损价会经过 RatchetStore 单向收紧。
type PositionManager interface {
	Manage(mctx ManageContext) []OrderIntent
}

// IndicatorRequirer 由需要预计算指标的组件实现，
// runner 在启动前汇总各组件的需求一次性算齐。
type IndicatorRequirer interface {
	Indicators() []string
}
