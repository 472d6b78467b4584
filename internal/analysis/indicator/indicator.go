package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/markcheno/go-talib"

	"barwalk/internal/market"
)

// Spec 描述一个待计算的指标：名字形如 "sma_20"、"atr_14"。
type Spec struct {
	Name   string
	Kind   string
	Period int
}

// ParseSpec 将 "kind_period" 形式的指标名解析为 Spec。
func ParseSpec(name string) (Spec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return Spec{}, fmt.Errorf("指标名格式无效: %q", name)
	}
	kind := name[:idx]
	period, err := strconv.Atoi(name[idx+1:])
	if err != nil || period <= 0 {
		return Spec{}, fmt.Errorf("指标周期无效: %q", name)
	}
	switch kind {
	case "sma", "ema", "rsi", "atr", "hh", "ll", "roc":
	default:
		return Spec{}, fmt.Errorf("未知指标类型: %q", kind)
	}
	return Spec{Name: name, Kind: kind, Period: period}, nil
}

// ParseSpecs 批量解析并去重，保持名字排序以保证确定性。
func ParseSpecs(names []string) ([]Spec, error) {
	seen := make(map[string]bool, len(names))
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		spec, err := ParseSpec(n)
		if err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			continue
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// Set 保存与 K 线序列逐根对齐的指标序列。预热期内的值为 NaN，
// 引擎和策略据此判断指标是否就绪。
type Set struct {
	n      int
	names  []string
	series map[string][]float64
}

// Compute 对整段序列一次性计算全部指标。TALib 对预热区间填零，
// 这里统一抹成 NaN，保持与 K 线下标一一对应。
func Compute(candles []market.Candle, specs []Spec) (*Set, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("K 线序列为空")
	}
	closes := market.Closes(candles)
	highs := market.Highs(candles)
	lows := market.Lows(candles)

	set := &Set{
		n:      len(candles),
		series: make(map[string][]float64, len(specs)),
	}
	for _, spec := range specs {
		if spec.Period <= 0 {
			return nil, fmt.Errorf("指标 %s 周期非法", spec.Name)
		}
		if spec.Period >= len(candles) {
			return nil, fmt.Errorf("指标 %s 周期 %d 超出序列长度 %d", spec.Name, spec.Period, len(candles))
		}
		var raw []float64
		warmup := spec.Period - 1
		switch spec.Kind {
		case "sma":
			raw = talib.Sma(closes, spec.Period)
		case "ema":
			raw = talib.Ema(closes, spec.Period)
		case "rsi":
			raw = talib.Rsi(closes, spec.Period)
			warmup = spec.Period
		case "atr":
			raw = talib.Atr(highs, lows, closes, spec.Period)
			warmup = spec.Period
		case "hh":
			raw = talib.Max(highs, spec.Period)
		case "ll":
			raw = talib.Min(lows, spec.Period)
		case "roc":
			raw = talib.Roc(closes, spec.Period)
			warmup = spec.Period
		default:
			return nil, fmt.Errorf("未知指标类型: %q", spec.Kind)
		}
		set.series[spec.Name] = padWarmup(raw, warmup)
		set.names = append(set.names, spec.Name)
	}
	sort.Strings(set.names)
	return set, nil
}

func padWarmup(series []float64, warmup int) []float64 {
	out := make([]float64, len(series))
	copy(out, series)
	if warmup > len(out) {
		warmup = len(out)
	}
	for i := 0; i < warmup; i++ {
		out[i] = math.NaN()
	}
	for i := warmup; i < len(out); i++ {
		if math.IsInf(out[i], 0) {
			out[i] = math.NaN()
		}
	}
	return out
}

// Len 返回序列长度。
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.n
}

// Names 返回已计算的指标名（升序）。
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s.names...)
}

// Has 报告指标是否存在。
func (s *Set) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.series[name]
	return ok
}

// Value 返回指标在下标 i 处的值；缺失或越界返回 NaN。
func (s *Set) Value(name string, i int) float64 {
	if s == nil {
		return math.NaN()
	}
	series, ok := s.series[name]
	if !ok || i < 0 || i >= len(series) {
		return math.NaN()
	}
	return series[i]
}

// Series 返回指标完整序列（只读视图，调用方不应修改）。
func (s *Set) Series(name string) []float64 {
	if s == nil {
		return nil
	}
	return s.series[name]
}

// At 返回绑定到某根 K 线的指标快照。
func (s *Set) At(i int) Snapshot {
	return Snapshot{set: s, idx: i}
}

// Snapshot 是 Set 在单根 K 线上的视图。
type Snapshot struct {
	set *Set
	idx int
}

// Value 返回指标当前值；缺失返回 NaN。
func (v Snapshot) Value(name string) float64 {
	if v.set == nil {
		return math.NaN()
	}
	return v.set.Value(name, v.idx)
}

// Index 返回快照绑定的 K 线下标。
func (v Snapshot) Index() int {
	return v.idx
}
