package strategy

import (
	"fmt"
	"math"

	"barwalk/internal/engine"
)

// Sizer 根据账户状态与参考价计算下单数量。返回 0 表示放弃本次交易。
type Sizer interface {
	Size(sctx engine.StrategyContext, refPx float64) float64
}

// fixedDollarSizer 固定名义金额。
type fixedDollarSizer struct {
	dollars float64
}

func newFixedDollarSizer(params map[string]any) (*fixedDollarSizer, error) {
	dollars := floatParam(params, "dollars", 1_000)
	if dollars <= 0 {
		return nil, fmt.Errorf("fixed_dollar: dollars 需 >0")
	}
	return &fixedDollarSizer{dollars: dollars}, nil
}

func (s *fixedDollarSizer) Size(_ engine.StrategyContext, refPx float64) float64 {
	if refPx <= 0 {
		return 0
	}
	return s.dollars / refPx
}

// fixedFractionSizer 按当前权益的固定比例下单。
type fixedFractionSizer struct {
	fraction float64
}

func newFixedFractionSizer(params map[string]any) (*fixedFractionSizer, error) {
	fraction := floatParam(params, "fraction", 0.1)
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("fixed_fraction: fraction 需位于 (0, 1]")
	}
	return &fixedFractionSizer{fraction: fraction}, nil
}

func (s *fixedFractionSizer) Size(sctx engine.StrategyContext, refPx float64) float64 {
	if refPx <= 0 || sctx.Equity <= 0 {
		return 0
	}
	return sctx.Equity * s.fraction / refPx
}

// atrRiskSizer 风险预算制：单笔风险 = 权益 × risk_pct，
// 每单位风险 = ATR × stop_mult，两者相除得数量。波动越大仓位越小。
type atrRiskSizer struct {
	key      string
	riskPct  float64
	stopMult float64
}

func newATRRiskSizer(params map[string]any) (*atrRiskSizer, error) {
	period := intParam(params, "period", 14)
	riskPct := floatParam(params, "risk_pct", 0.01)
	stopMult := floatParam(params, "stop_mult", 2)
	if period <= 0 {
		return nil, fmt.Errorf("atr_risk: period 需 >0")
	}
	if riskPct <= 0 || riskPct > 0.2 {
		return nil, fmt.Errorf("atr_risk: risk_pct 需位于 (0, 0.2]")
	}
	if stopMult <= 0 {
		return nil, fmt.Errorf("atr_risk: stop_mult 需 >0")
	}
	return &atrRiskSizer{
		key:      fmt.Sprintf("atr_%d", period),
		riskPct:  riskPct,
		stopMult: stopMult,
	}, nil
}

func (s *atrRiskSizer) Indicators() []string {
	return []string{s.key}
}

func (s *atrRiskSizer) Size(sctx engine.StrategyContext, refPx float64) float64 {
	atr := sctx.Ind.Value(s.key)
	if math.IsNaN(atr) || atr <= 0 || refPx <= 0 || sctx.Equity <= 0 {
		return 0
	}
	return sctx.Equity * s.riskPct / (atr * s.stopMult)
}
