package strategy

import (
	"fmt"
	"math"

	"barwalk/internal/engine"
)

// crossSignal 双均线交叉：快线在慢线上方看多、下方看空。
// 方向是状态式的（每根 K 线都报告当前相对位置），是否开新仓
// 由 policy 结合持仓决定。
type crossSignal struct {
	kind    string
	fastKey string
	slowKey string
}

func newCrossSignal(kind string, params map[string]any) (*crossSignal, error) {
	fast := intParam(params, "fast", 10)
	slow := intParam(params, "slow", 30)
	if fast <= 0 || slow <= 0 {
		return nil, fmt.Errorf("%s_cross: fast/slow 需 >0", kind)
	}
	if fast >= slow {
		return nil, fmt.Errorf("%s_cross: fast 需小于 slow", kind)
	}
	return &crossSignal{
		kind:    kind,
		fastKey: fmt.Sprintf("%s_%d", kind, fast),
		slowKey: fmt.Sprintf("%s_%d", kind, slow),
	}, nil
}

func (s *crossSignal) Indicators() []string {
	return []string{s.fastKey, s.slowKey}
}

func (s *crossSignal) Signal(sctx engine.StrategyContext) engine.SignalEvent {
	fast := sctx.Ind.Value(s.fastKey)
	slow := sctx.Ind.Value(s.slowKey)
	if math.IsNaN(fast) || math.IsNaN(slow) || slow == 0 {
		return engine.SignalEvent{Direction: engine.Flat, Reason: "warmup"}
	}
	spread := (fast - slow) / math.Abs(slow)
	if fast > slow {
		return engine.SignalEvent{Direction: engine.Long, Strength: spread, Reason: "fast_above_slow"}
	}
	if fast < slow {
		return engine.SignalEvent{Direction: engine.Short, Strength: -spread, Reason: "fast_below_slow"}
	}
	return engine.SignalEvent{Direction: engine.Flat, Reason: "flat_cross"}
}

// donchianSignal 唐奇安通道突破：收盘价突破前 N 根高点看多、
// 跌破前 N 根低点看空。窗口不含当前 K 线，突破只在发生当根报告。
type donchianSignal struct {
	period int
}

func newDonchianSignal(params map[string]any) (*donchianSignal, error) {
	period := intParam(params, "period", 20)
	if period <= 0 {
		return nil, fmt.Errorf("donchian_breakout: period 需 >0")
	}
	return &donchianSignal{period: period}, nil
}

func (s *donchianSignal) Signal(sctx engine.StrategyContext) engine.SignalEvent {
	i := sctx.Idx
	if i < s.period {
		return engine.SignalEvent{Direction: engine.Flat, Reason: "warmup"}
	}
	hh := math.Inf(-1)
	ll := math.Inf(1)
	for _, b := range sctx.Bars[i-s.period : i] {
		hh = math.Max(hh, b.High)
		ll = math.Min(ll, b.Low)
	}
	c := sctx.Bar().Close
	switch {
	case c > hh:
		return engine.SignalEvent{Direction: engine.Long, Strength: (c - hh) / hh, Reason: "breakout_high"}
	case c < ll:
		return engine.SignalEvent{Direction: engine.Short, Strength: (ll - c) / ll, Reason: "breakout_low"}
	}
	return engine.SignalEvent{Direction: engine.Flat, Reason: "inside_channel"}
}
