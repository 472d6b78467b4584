package strategy

import (
	"fmt"
	"math"

	"barwalk/internal/engine"
)

// allowAllFilter 不做任何拦截。
type allowAllFilter struct{}

func (allowAllFilter) Evaluate(engine.StrategyContext, engine.SignalEvent) engine.SignalEvaluation {
	return engine.SignalEvaluation{Allowed: true}
}

// trendFilter 只放行顺势信号：做多要求收盘在基准均线上方，
// 做空要求在下方。
type trendFilter struct {
	key string
}

func newTrendFilter(params map[string]any) (*trendFilter, error) {
	period := intParam(params, "period", 200)
	if period <= 0 {
		return nil, fmt.Errorf("trend: period 需 >0")
	}
	return &trendFilter{key: fmt.Sprintf("sma_%d", period)}, nil
}

func (f *trendFilter) Indicators() []string {
	return []string{f.key}
}

func (f *trendFilter) Evaluate(sctx engine.StrategyContext, sig engine.SignalEvent) engine.SignalEvaluation {
	base := sctx.Ind.Value(f.key)
	if math.IsNaN(base) {
		return engine.SignalEvaluation{Allowed: false, Reason: "trend_warmup"}
	}
	c := sctx.Bar().Close
	if sig.Direction == engine.Long && c < base {
		return engine.SignalEvaluation{Allowed: false, Reason: "below_trend"}
	}
	if sig.Direction == engine.Short && c > base {
		return engine.SignalEvaluation{Allowed: false, Reason: "above_trend"}
	}
	return engine.SignalEvaluation{Allowed: true}
}

// minATRFilter 过滤波动不足的时段：ATR 占价比低于阈值时不交易。
type minATRFilter struct {
	key    string
	minPct float64
}

func newMinATRFilter(params map[string]any) (*minATRFilter, error) {
	period := intParam(params, "period", 14)
	minPct := floatParam(params, "min_pct", 0.001)
	if period <= 0 {
		return nil, fmt.Errorf("min_atr: period 需 >0")
	}
	if minPct <= 0 {
		return nil, fmt.Errorf("min_atr: min_pct 需 >0")
	}
	return &minATRFilter{key: fmt.Sprintf("atr_%d", period), minPct: minPct}, nil
}

func (f *minATRFilter) Indicators() []string {
	return []string{f.key}
}

func (f *minATRFilter) Evaluate(sctx engine.StrategyContext, _ engine.SignalEvent) engine.SignalEvaluation {
	atr := sctx.Ind.Value(f.key)
	if math.IsNaN(atr) {
		return engine.SignalEvaluation{Allowed: false, Reason: "atr_warmup"}
	}
	c := sctx.Bar().Close
	if c <= 0 || atr/c < f.minPct {
		return engine.SignalEvaluation{Allowed: false, Reason: "atr_too_low"}
	}
	return engine.SignalEvaluation{Allowed: true}
}
