package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"barwalk/internal/analysis/indicator"
)

// PathPolicy 决定同一根 K 线内多个触发价的先后推断方式。
type PathPolicy string

const (
	// PathBestCase 先成交对权益最有利的一腿。
	PathBestCase PathPolicy = "best_case"
	// PathWorstCase 先成交最不利的一腿。
	PathWorstCase PathPolicy = "worst_case"
	// PathDeterministic 按固定次序（stop 先或 limit 先）。
	PathDeterministic PathPolicy = "deterministic"
	// PathPriceOrder 按触发价与开盘价的距离推断先后，距离相同时
	// 按 K 线形态走位（阳线 O→L→H→C，阴线 O→H→L→C）裁定。
	PathPriceOrder PathPolicy = "price_order"
)

// PriorityPolicy 决定多个订单争抢受限流动性时的服务顺序。
type PriorityPolicy string

const (
	PriorityBestCase  PriorityPolicy = "best_case"
	PriorityWorstCase PriorityPolicy = "worst_case"
)

// RemainderPolicy 决定流动性约束截断后剩余数量的去向。
type RemainderPolicy string

const (
	// RemainderCancel 剩余部分直接作废。
	RemainderCancel RemainderPolicy = "cancel"
	// RemainderRequeue 剩余部分以新订单重新排队。
	RemainderRequeue RemainderPolicy = "requeue"
	// RemainderNextBar 原单保留部分成交状态，下一根 K 线继续吃。
	RemainderNextBar RemainderPolicy = "next_bar"
)

// SlippageModel 把基准成交价调整为含滑点的实际成交价。
// 调整方向永远对成交方不利：买单加价、卖单减价。
type SlippageModel interface {
	Adjust(side Side, price float64, ind indicator.Snapshot) float64
}

// FixedSlippage 按基点和/或绝对偏移施加固定滑点。
type FixedSlippage struct {
	Bps    float64
	Offset float64
}

func (s FixedSlippage) Adjust(side Side, price float64, _ indicator.Snapshot) float64 {
	adj := price*s.Bps/10000 + s.Offset
	return price + side.Sign()*adj
}

// ATRSlippage 按 ATR 的倍数施加滑点，Key 指向指标集内的 ATR 序列。
// 预热期内 ATR 为 NaN 时不加滑点。
type ATRSlippage struct {
	Mult float64
	Key  string
}

func (s ATRSlippage) Adjust(side Side, price float64, ind indicator.Snapshot) float64 {
	atr := ind.Value(s.Key)
	if math.IsNaN(atr) {
		return price
	}
	return price + side.Sign()*s.Mult*atr
}

// CommissionModel 计算一笔成交的手续费。
type CommissionModel interface {
	Fee(price, qty float64) float64
}

// RateCommission 按名义价值比例收费，可设最低收费。
type RateCommission struct {
	Bps float64
	Min float64
}

func (c RateCommission) Fee(price, qty float64) float64 {
	fee := math.Abs(price*qty) * c.Bps / 10000
	if fee < c.Min {
		fee = c.Min
	}
	return fee
}

// Filters 是交易所精度约束。零值表示对应约束不启用。
// 价格取整到 tick、数量向下取整到 lot，均走 decimal 避免二进制误差。
type Filters struct {
	TickSize    float64 `json:"tick_size,omitempty"`
	LotStep     float64 `json:"lot_step,omitempty"`
	MinNotional float64 `json:"min_notional,omitempty"`
}

// RoundPrice 将价格取整到最近的 tick。
func (f Filters) RoundPrice(px float64) float64 {
	if f.TickSize <= 0 {
		return px
	}
	p := decimal.NewFromFloat(px)
	tick := decimal.NewFromFloat(f.TickSize)
	steps := p.Div(tick).Round(0)
	out, _ := steps.Mul(tick).Float64()
	return out
}

// RoundQty 将数量向下取整到 lot 步长。
func (f Filters) RoundQty(qty float64) float64 {
	if f.LotStep <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(f.LotStep)
	steps := q.Div(step).Floor()
	out, _ := steps.Mul(step).Float64()
	return out
}

// MeetsNotional 报告名义价值是否达到下限。
func (f Filters) MeetsNotional(px, qty float64) bool {
	if f.MinNotional <= 0 {
		return true
	}
	return math.Abs(px*qty) >= f.MinNotional
}

// Preset 是一套完整的执行假设：路径推断、优先级、滑点、手续费、
// 流动性约束与交易所精度。一个 run 从头到尾使用同一套。
type Preset struct {
	Name          string
	Path          PathPolicy
	StopsFirst    bool
	Priority      PriorityPolicy
	Slippage      SlippageModel
	Commission    CommissionModel
	MaxVolumeFrac float64
	Remainder     RemainderPolicy
	Filters       Filters
}

// DefaultPreset 返回无偏推断、零摩擦的缺省预设：
// price_order 路径、worst_case 优先级、无滑点无手续费、不限流动性。
func DefaultPreset() Preset {
	return Preset{
		Name:       "default",
		Path:       PathPriceOrder,
		Priority:   PriorityWorstCase,
		Slippage:   FixedSlippage{},
		Commission: RateCommission{},
		Remainder:  RemainderCancel,
	}
}

// IndicatorNames 返回预设自身依赖的指标序列（ATR 滑点的 ATR 键）。
func (p Preset) IndicatorNames() []string {
	if s, ok := p.Slippage.(ATRSlippage); ok && s.Key != "" {
		return []string{s.Key}
	}
	return nil
}

// Validate 校验预设的枚举与数值范围。
func (p *Preset) Validate() error {
	switch p.Path {
	case PathBestCase, PathWorstCase, PathDeterministic, PathPriceOrder:
	default:
		return cfgErr("path_policy", "未知 path policy: %q", p.Path)
	}
	switch p.Priority {
	case PriorityBestCase, PriorityWorstCase:
	default:
		return cfgErr("priority_policy", "未知 priority policy: %q", p.Priority)
	}
	switch p.Remainder {
	case RemainderCancel, RemainderRequeue, RemainderNextBar:
	default:
		return cfgErr("remainder_policy", "未知 remainder policy: %q", p.Remainder)
	}
	if p.MaxVolumeFrac < 0 || p.MaxVolumeFrac >= 1 {
		return cfgErr("max_volume_frac", "必须在 [0,1) 内: %v", p.MaxVolumeFrac)
	}
	if p.Slippage == nil {
		p.Slippage = FixedSlippage{}
	}
	if p.Commission == nil {
		p.Commission = RateCommission{}
	}
	return nil
}
