package strategy

import (
	"fmt"
	"math"

	"barwalk/internal/engine"
)

const (
	minTriggerMultiplier = 1.0
	maxTriggerMultiplier = 5.0
	minTrailMultiplier   = 0.5

	stopEps = 1e-9
)

func stopOrder(pos engine.Position, level float64) engine.Order {
	return engine.Order{
		Symbol: pos.Symbol,
		Side:   pos.Side().Opposite(),
		Type:   engine.Stop,
		Qty:    math.Abs(pos.Qty),
		Stop:   level,
		Role:   engine.RoleStop,
	}
}

func targetOrder(pos engine.Position, level float64) engine.Order {
	return engine.Order{
		Symbol: pos.Symbol,
		Side:   pos.Side().Opposite(),
		Type:   engine.Limit,
		Qty:    math.Abs(pos.Qty),
		Limit:  level,
		Role:   engine.RoleTarget,
	}
}

func upsert(cur *engine.Order, next engine.Order) engine.OrderIntent {
	if cur == nil {
		return engine.OrderIntent{Kind: engine.IntentSubmit, Order: next}
	}
	return engine.OrderIntent{Kind: engine.IntentReplace, CancelID: cur.ID, Order: next}
}

// fixedPctManager 固定比例止损/止盈：挂上之后不再移动。
type fixedPctManager struct {
	stopPct   float64
	targetPct float64
}

func newFixedPctManager(params map[string]any) (*fixedPctManager, error) {
	stopPct := floatParam(params, "stop_pct", 0.02)
	targetPct := floatParam(params, "target_pct", 0)
	if stopPct <= 0 || stopPct >= 0.5 {
		return nil, fmt.Errorf("fixed_pct: stop_pct 需位于 (0, 0.5)")
	}
	if targetPct < 0 {
		return nil, fmt.Errorf("fixed_pct: target_pct 不可为负")
	}
	return &fixedPctManager{stopPct: stopPct, targetPct: targetPct}, nil
}

func (mgr *fixedPctManager) Manage(mctx engine.ManageContext) []engine.OrderIntent {
	pos := mctx.Pos
	dir := 1.0
	if !pos.Long() {
		dir = -1
	}
	var intents []engine.OrderIntent
	if mctx.Stop == nil {
		intents = append(intents, upsert(nil, stopOrder(pos, pos.AvgEntry*(1-dir*mgr.stopPct))))
	}
	if mgr.targetPct > 0 && mctx.Target == nil {
		intents = append(intents, upsert(nil, targetOrder(pos, pos.AvgEntry*(1+dir*mgr.targetPct))))
	}
	return intents
}

// atrTrailManager ATR 追踪止损。盈利达到 trigger_mult×ATR 后激活，
// 激活后止损跟在进场以来最优价之后 trail_mult×ATR 处；
// 每次移动需要比现价位至少改善 step_pct，避免逐根无谓撤换。
// initial_stop_mult > 0 时在激活前先挂一道起始止损。
type atrTrailManager struct {
	atrKey      string
	triggerMult float64
	trailMult   float64
	initialMult float64
	stepPct     float64
}

func newATRTrailManager(params map[string]any) (*atrTrailManager, error) {
	period := intParam(params, "period", 14)
	triggerMult := floatParam(params, "trigger_mult", 2)
	trailMult := floatParam(params, "trail_mult", 1)
	initialMult := floatParam(params, "initial_stop_mult", 0)
	stepPct := floatParam(params, "step_pct", 0.001)
	if period <= 0 {
		return nil, fmt.Errorf("atr_trail: period 需 >0")
	}
	if triggerMult < minTriggerMultiplier || triggerMult > maxTriggerMultiplier {
		return nil, fmt.Errorf("atr_trail: trigger_mult 需位于 [%.1f, %.1f]", minTriggerMultiplier, maxTriggerMultiplier)
	}
	if trailMult < minTrailMultiplier {
		return nil, fmt.Errorf("atr_trail: trail_mult 需 >= %.1f", minTrailMultiplier)
	}
	if trailMult >= triggerMult {
		return nil, fmt.Errorf("atr_trail: trail_mult 需小于 trigger_mult")
	}
	if initialMult < 0 {
		return nil, fmt.Errorf("atr_trail: initial_stop_mult 不可为负")
	}
	if initialMult > 0 && initialMult < 1 {
		return nil, fmt.Errorf("atr_trail: initial_stop_mult 需 >= 1 或省略")
	}
	if stepPct < 0 {
		return nil, fmt.Errorf("atr_trail: step_pct 不可为负")
	}
	return &atrTrailManager{
		atrKey:      fmt.Sprintf("atr_%d", period),
		triggerMult: triggerMult,
		trailMult:   trailMult,
		initialMult: initialMult,
		stepPct:     stepPct,
	}, nil
}

func (mgr *atrTrailManager) Indicators() []string {
	return []string{mgr.atrKey}
}

func (mgr *atrTrailManager) Manage(mctx engine.ManageContext) []engine.OrderIntent {
	atr := mctx.Ind.Value(mgr.atrKey)
	if math.IsNaN(atr) || atr <= 0 {
		return nil
	}
	pos := mctx.Pos
	dir := 1.0
	if !pos.Long() {
		dir = -1
	}

	// 进场以来的最优价，从 K 线重算，不留隐藏状态。
	from := pos.EntryBar
	if from < 0 || from > mctx.Idx {
		from = 0
	}
	anchor := pos.AvgEntry
	for _, b := range mctx.Bars[from : mctx.Idx+1] {
		if pos.Long() {
			anchor = math.Max(anchor, b.High)
		} else {
			anchor = math.Min(anchor, b.Low)
		}
	}

	active := dir*(anchor-pos.AvgEntry) >= mgr.triggerMult*atr
	if !active {
		if mctx.Stop == nil && mgr.initialMult > 0 {
			return []engine.OrderIntent{upsert(nil, stopOrder(pos, pos.AvgEntry-dir*mgr.initialMult*atr))}
		}
		return nil
	}

	proposed := anchor - dir*mgr.trailMult*atr
	if mctx.Stop == nil {
		return []engine.OrderIntent{upsert(nil, stopOrder(pos, proposed))}
	}
	improvement := dir * (proposed - mctx.Stop.Stop)
	if improvement < mgr.stepPct*anchor {
		return nil
	}
	return []engine.OrderIntent{upsert(mctx.Stop, stopOrder(pos, proposed))}
}

// chandelierManager 吊灯止损：多头挂在 N 根最高价下方 mult×ATR，
// 空头对称。窗口滚动时公式值可能回落，放松提案交由引擎吸收。
type chandelierManager struct {
	hhKey  string
	llKey  string
	atrKey string
	mult   float64
}

func newChandelierManager(params map[string]any) (*chandelierManager, error) {
	period := intParam(params, "period", 22)
	mult := floatParam(params, "mult", 3)
	if period <= 0 {
		return nil, fmt.Errorf("chandelier: period 需 >0")
	}
	if mult < minTrailMultiplier {
		return nil, fmt.Errorf("chandelier: mult 需 >= %.1f", minTrailMultiplier)
	}
	return &chandelierManager{
		hhKey:  fmt.Sprintf("hh_%d", period),
		llKey:  fmt.Sprintf("ll_%d", period),
		atrKey: fmt.Sprintf("atr_%d", period),
		mult:   mult,
	}, nil
}

func (mgr *chandelierManager) Indicators() []string {
	return []string{mgr.hhKey, mgr.llKey, mgr.atrKey}
}

func (mgr *chandelierManager) Manage(mctx engine.ManageContext) []engine.OrderIntent {
	atr := mctx.Ind.Value(mgr.atrKey)
	if math.IsNaN(atr) || atr <= 0 {
		return nil
	}
	pos := mctx.Pos
	var proposed float64
	if pos.Long() {
		hh := mctx.Ind.Value(mgr.hhKey)
		if math.IsNaN(hh) {
			return nil
		}
		proposed = hh - mgr.mult*atr
	} else {
		ll := mctx.Ind.Value(mgr.llKey)
		if math.IsNaN(ll) {
			return nil
		}
		proposed = ll + mgr.mult*atr
	}
	if proposed <= 0 {
		return nil
	}
	if mctx.Stop == nil {
		return []engine.OrderIntent{upsert(nil, stopOrder(pos, proposed))}
	}
	if math.Abs(proposed-mctx.Stop.Stop) <= stopEps {
		return nil
	}
	return []engine.OrderIntent{upsert(mctx.Stop, stopOrder(pos, proposed))}
}

// timeStopManager 时间止损：持仓满 max_bars 根后按市价离场。
type timeStopManager struct {
	maxBars int
	atClose bool
}

func newTimeStopManager(params map[string]any) (*timeStopManager, error) {
	maxBars := intParam(params, "max_bars", 20)
	if maxBars <= 0 {
		return nil, fmt.Errorf("time_stop: max_bars 需 >0")
	}
	return &timeStopManager{
		maxBars: maxBars,
		atClose: boolParam(params, "at_close", false),
	}, nil
}

func (mgr *timeStopManager) Manage(mctx engine.ManageContext) []engine.OrderIntent {
	if mctx.Idx-mctx.Pos.EntryBar < mgr.maxBars {
		return nil
	}
	pos := mctx.Pos
	return []engine.OrderIntent{{Kind: engine.IntentSubmit, Order: engine.Order{
		Symbol:  pos.Symbol,
		Side:    pos.Side().Opposite(),
		Type:    engine.Market,
		Qty:     math.Abs(pos.Qty),
		AtOpen:  !mgr.atClose,
		AtClose: mgr.atClose,
		Role:    engine.RoleExit,
		Tag:     "time_stop",
	}}}
}
