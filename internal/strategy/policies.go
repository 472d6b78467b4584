package strategy

import (
	"fmt"
	"math"

	"barwalk/internal/engine"
)

func signalSide(d engine.Direction) engine.Side {
	if d == engine.Short {
		return engine.Sell
	}
	return engine.Buy
}

// aligned 报告持仓方向是否与信号一致。
func aligned(pos *engine.Position, d engine.Direction) bool {
	if pos == nil {
		return false
	}
	return (pos.Long() && d == engine.Long) || (!pos.Long() && d == engine.Short)
}

// exitIntent 生成平掉现有持仓的市价意图。
func exitIntent(pos *engine.Position, atClose bool) []engine.OrderIntent {
	return []engine.OrderIntent{{Kind: engine.IntentSubmit, Order: engine.Order{
		Symbol:  pos.Symbol,
		Side:    pos.Side().Opposite(),
		Type:    engine.Market,
		Qty:     math.Abs(pos.Qty),
		AtOpen:  !atClose,
		AtClose: atClose,
		Role:    engine.RoleExit,
		Tag:     "signal_exit",
	}}}
}

// marketOpenPolicy 次日开盘市价进出场。反向信号先平仓，
// 下一次评估再考虑开新仓，不做同单翻向。
type marketOpenPolicy struct {
	sizer      Sizer
	allowShort bool
	atClose    bool
}

func newMarketOpenPolicy(sizer Sizer, params map[string]any) (*marketOpenPolicy, error) {
	return &marketOpenPolicy{
		sizer:      sizer,
		allowShort: boolParam(params, "allow_short", false),
	}, nil
}

func newMarketClosePolicy(sizer Sizer, params map[string]any) (*marketOpenPolicy, error) {
	p, err := newMarketOpenPolicy(sizer, params)
	if err != nil {
		return nil, err
	}
	p.atClose = true
	return p, nil
}

func (p *marketOpenPolicy) Build(sctx engine.StrategyContext, sig engine.SignalEvent) []engine.OrderIntent {
	if aligned(sctx.Position, sig.Direction) {
		return nil
	}
	if sctx.Position != nil {
		return exitIntent(sctx.Position, p.atClose)
	}
	if sig.Direction == engine.Short && !p.allowShort {
		return nil
	}
	c := sctx.Bar().Close
	qty := p.sizer.Size(sctx, c)
	if qty <= 0 {
		return nil
	}
	return []engine.OrderIntent{{Kind: engine.IntentSubmit, Order: engine.Order{
		Symbol:  sctx.Symbol,
		Side:    signalSide(sig.Direction),
		Type:    engine.Market,
		Qty:     qty,
		AtOpen:  !p.atClose,
		AtClose: p.atClose,
		Role:    engine.RoleEntry,
	}}}
}

// stopEntryPolicy 突破确认进场：在信号方向外侧挂 stop 单，
// 价格真走出去才成交；Day 单未触发次日收盘自动过期。
type stopEntryPolicy struct {
	sizer      Sizer
	offsetPct  float64
	allowShort bool
}

func newStopEntryPolicy(sizer Sizer, params map[string]any) (*stopEntryPolicy, error) {
	offset := floatParam(params, "offset_pct", 0.002)
	if offset <= 0 || offset > 0.2 {
		return nil, fmt.Errorf("stop_entry: offset_pct 需位于 (0, 0.2]")
	}
	return &stopEntryPolicy{
		sizer:      sizer,
		offsetPct:  offset,
		allowShort: boolParam(params, "allow_short", false),
	}, nil
}

func (p *stopEntryPolicy) Build(sctx engine.StrategyContext, sig engine.SignalEvent) []engine.OrderIntent {
	if aligned(sctx.Position, sig.Direction) {
		return nil
	}
	if sctx.Position != nil {
		return exitIntent(sctx.Position, false)
	}
	if sig.Direction == engine.Short && !p.allowShort {
		return nil
	}
	bar := sctx.Bar()
	var level float64
	if sig.Direction == engine.Long {
		level = bar.High * (1 + p.offsetPct)
	} else {
		level = bar.Low * (1 - p.offsetPct)
	}
	qty := p.sizer.Size(sctx, level)
	if qty <= 0 {
		return nil
	}
	return []engine.OrderIntent{{Kind: engine.IntentSubmit, Order: engine.Order{
		Symbol: sctx.Symbol,
		Side:   signalSide(sig.Direction),
		Type:   engine.Stop,
		Qty:    qty,
		Stop:   level,
		TIF:    engine.Day,
		Role:   engine.RoleEntry,
	}}}
}

// bracketPolicy 进场同时带上止损与可选止盈，三腿一个 bracket 提交：
// 保护腿在进场成交前蛰伏，成交后激活并互为 OCO。
type bracketPolicy struct {
	sizer      Sizer
	mode       string
	stopPct    float64
	stopMult   float64
	rr         float64
	atrKey     string
	allowShort bool
}

func newBracketPolicy(sizer Sizer, params map[string]any) (*bracketPolicy, error) {
	mode := stringParam(params, "stop_mode", "pct")
	p := &bracketPolicy{
		sizer:      sizer,
		mode:       mode,
		rr:         floatParam(params, "target_rr", 2),
		allowShort: boolParam(params, "allow_short", false),
	}
	switch mode {
	case "pct":
		p.stopPct = floatParam(params, "stop_pct", 0.02)
		if p.stopPct <= 0 || p.stopPct >= 0.5 {
			return nil, fmt.Errorf("bracket: stop_pct 需位于 (0, 0.5)")
		}
	case "atr":
		period := intParam(params, "atr_period", 14)
		p.stopMult = floatParam(params, "stop_mult", 2)
		if period <= 0 || p.stopMult <= 0 {
			return nil, fmt.Errorf("bracket: atr_period 与 stop_mult 需 >0")
		}
		p.atrKey = fmt.Sprintf("atr_%d", period)
	default:
		return nil, fmt.Errorf("bracket: stop_mode 只能是 pct 或 atr")
	}
	if p.rr < 0 {
		return nil, fmt.Errorf("bracket: target_rr 不可为负")
	}
	return p, nil
}

func (p *bracketPolicy) Indicators() []string {
	if p.atrKey == "" {
		return nil
	}
	return []string{p.atrKey}
}

func (p *bracketPolicy) Build(sctx engine.StrategyContext, sig engine.SignalEvent) []engine.OrderIntent {
	if aligned(sctx.Position, sig.Direction) {
		return nil
	}
	if sctx.Position != nil {
		return exitIntent(sctx.Position, false)
	}
	if sig.Direction == engine.Short && !p.allowShort {
		return nil
	}
	c := sctx.Bar().Close
	var risk float64
	switch p.mode {
	case "atr":
		atr := sctx.Ind.Value(p.atrKey)
		if math.IsNaN(atr) || atr <= 0 {
			return nil
		}
		risk = atr * p.stopMult
	default:
		risk = c * p.stopPct
	}
	if risk <= 0 || risk >= c {
		return nil
	}
	qty := p.sizer.Size(sctx, c)
	if qty <= 0 {
		return nil
	}

	dir := 1.0
	if sig.Direction == engine.Short {
		dir = -1
	}
	entrySide := signalSide(sig.Direction)
	legs := []engine.Order{
		{Symbol: sctx.Symbol, Side: entrySide, Type: engine.Market, Qty: qty, AtOpen: true, Role: engine.RoleEntry},
		{Symbol: sctx.Symbol, Side: entrySide.Opposite(), Type: engine.Stop, Qty: qty, Stop: c - dir*risk, Role: engine.RoleStop},
	}
	if p.rr > 0 {
		legs = append(legs, engine.Order{
			Symbol: sctx.Symbol, Side: entrySide.Opposite(), Type: engine.Limit, Qty: qty,
			Limit: c + dir*risk*p.rr, Role: engine.RoleTarget,
		})
	}
	return []engine.OrderIntent{{Kind: engine.IntentBracket, Legs: legs}}
}
