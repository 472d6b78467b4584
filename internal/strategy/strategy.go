package strategy

import (
	"fmt"
	"sort"
	"strings"

	"barwalk/internal/analysis/indicator"
	"barwalk/internal/engine"
)

// Ref 指向一个具名组件及其参数。
type Ref struct {
	ID     string         `mapstructure:"id" yaml:"id" json:"id"`
	Params map[string]any `mapstructure:"params" yaml:"params" json:"params,omitempty"`
}

// Definition 描述一个完整的策略组合：信号、过滤、下单策略、
// 仓位大小与可选的持仓管理器。Indicators 可以额外点名组件
// 需求之外的指标。
type Definition struct {
	ID          string   `mapstructure:"id" yaml:"id" json:"id"`
	Description string   `mapstructure:"description" yaml:"description" json:"description,omitempty"`
	Signal      Ref      `mapstructure:"signal" yaml:"signal" json:"signal"`
	Filter      *Ref     `mapstructure:"filter" yaml:"filter" json:"filter,omitempty"`
	Policy      Ref      `mapstructure:"policy" yaml:"policy" json:"policy"`
	Sizer       Ref      `mapstructure:"sizer" yaml:"sizer" json:"sizer"`
	Manager     *Ref     `mapstructure:"manager" yaml:"manager" json:"manager,omitempty"`
	Indicators  []string `mapstructure:"indicators" yaml:"indicators" json:"indicators,omitempty"`
}

// Instance 是组装完成、可交给引擎运行的策略。Indicators 是全部
// 组件需求的并集（已解析校验、升序去重）。
type Instance struct {
	Def        Definition
	Signal     engine.SignalGenerator
	Filter     engine.SignalFilter
	Policy     engine.OrderPolicy
	Manager    engine.PositionManager
	Sizer      Sizer
	Indicators []string
}

var signalFactories = map[string]func(map[string]any) (engine.SignalGenerator, error){
	"sma_cross": func(p map[string]any) (engine.SignalGenerator, error) {
		s, err := newCrossSignal("sma", p)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	"ema_cross": func(p map[string]any) (engine.SignalGenerator, error) {
		s, err := newCrossSignal("ema", p)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	"donchian_breakout": func(p map[string]any) (engine.SignalGenerator, error) {
		s, err := newDonchianSignal(p)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
}

var filterFactories = map[string]func(map[string]any) (engine.SignalFilter, error){
	"allow_all": func(map[string]any) (engine.SignalFilter, error) {
		return allowAllFilter{}, nil
	},
	"trend": func(p map[string]any) (engine.SignalFilter, error) {
		f, err := newTrendFilter(p)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
	"min_atr": func(p map[string]any) (engine.SignalFilter, error) {
		f, err := newMinATRFilter(p)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
}

var sizerFactories = map[string]func(map[string]any) (Sizer, error){
	"fixed_dollar": func(p map[string]any) (Sizer, error) {
		s, err := newFixedDollarSizer(p)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	"fixed_fraction": func(p map[string]any) (Sizer, error) {
		s, err := newFixedFractionSizer(p)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	"atr_risk": func(p map[string]any) (Sizer, error) {
		s, err := newATRRiskSizer(p)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
}

var policyFactories = map[string]func(Sizer, map[string]any) (engine.OrderPolicy, error){
	"market_open": func(sz Sizer, p map[string]any) (engine.OrderPolicy, error) {
		pol, err := newMarketOpenPolicy(sz, p)
		if err != nil {
			return nil, err
		}
		return pol, nil
	},
	"market_close": func(sz Sizer, p map[string]any) (engine.OrderPolicy, error) {
		pol, err := newMarketClosePolicy(sz, p)
		if err != nil {
			return nil, err
		}
		return pol, nil
	},
	"stop_entry": func(sz Sizer, p map[string]any) (engine.OrderPolicy, error) {
		pol, err := newStopEntryPolicy(sz, p)
		if err != nil {
			return nil, err
		}
		return pol, nil
	},
	"bracket": func(sz Sizer, p map[string]any) (engine.OrderPolicy, error) {
		pol, err := newBracketPolicy(sz, p)
		if err != nil {
			return nil, err
		}
		return pol, nil
	},
}

var managerFactories = map[string]func(map[string]any) (engine.PositionManager, error){
	"fixed_pct": func(p map[string]any) (engine.PositionManager, error) {
		m, err := newFixedPctManager(p)
		if err != nil {
			return nil, err
		}
		return m, nil
	},
	"atr_trail": func(p map[string]any) (engine.PositionManager, error) {
		m, err := newATRTrailManager(p)
		if err != nil {
			return nil, err
		}
		return m, nil
	},
	"chandelier": func(p map[string]any) (engine.PositionManager, error) {
		m, err := newChandelierManager(p)
		if err != nil {
			return nil, err
		}
		return m, nil
	},
	"time_stop": func(p map[string]any) (engine.PositionManager, error) {
		m, err := newTimeStopManager(p)
		if err != nil {
			return nil, err
		}
		return m, nil
	},
}

func factoryIDs[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SignalIDs 返回可用的信号生成器 ID。
func SignalIDs() []string { return factoryIDs(signalFactories) }

// FilterIDs 返回可用的信号过滤器 ID。
func FilterIDs() []string { return factoryIDs(filterFactories) }

// PolicyIDs 返回可用的下单策略 ID。
func PolicyIDs() []string { return factoryIDs(policyFactories) }

// SizerIDs 返回可用的仓位计算器 ID。
func SizerIDs() []string { return factoryIDs(sizerFactories) }

// ManagerIDs 返回可用的持仓管理器 ID。
func ManagerIDs() []string { return factoryIDs(managerFactories) }

// Build 按 Definition 装配策略实例。任何组件 ID 未注册或参数
// 不合法都在这里报错，绝不拖到 run 中途。
func Build(def Definition) (*Instance, error) {
	id := strings.TrimSpace(def.Signal.ID)
	makeSignal, ok := signalFactories[id]
	if !ok {
		return nil, fmt.Errorf("未知 signal: %q", def.Signal.ID)
	}
	sig, err := makeSignal(def.Signal.Params)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", id, err)
	}

	var filter engine.SignalFilter = allowAllFilter{}
	if def.Filter != nil && strings.TrimSpace(def.Filter.ID) != "" {
		makeFilter, ok := filterFactories[strings.TrimSpace(def.Filter.ID)]
		if !ok {
			return nil, fmt.Errorf("未知 filter: %q", def.Filter.ID)
		}
		filter, err = makeFilter(def.Filter.Params)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", def.Filter.ID, err)
		}
	}

	sizerID := strings.TrimSpace(def.Sizer.ID)
	if sizerID == "" {
		sizerID = "fixed_fraction"
	}
	makeSizer, ok := sizerFactories[sizerID]
	if !ok {
		return nil, fmt.Errorf("未知 sizer: %q", def.Sizer.ID)
	}
	sizer, err := makeSizer(def.Sizer.Params)
	if err != nil {
		return nil, fmt.Errorf("sizer %s: %w", sizerID, err)
	}

	policyID := strings.TrimSpace(def.Policy.ID)
	makePolicy, ok := policyFactories[policyID]
	if !ok {
		return nil, fmt.Errorf("未知 policy: %q", def.Policy.ID)
	}
	policy, err := makePolicy(sizer, def.Policy.Params)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", policyID, err)
	}

	var manager engine.PositionManager
	if def.Manager != nil && strings.TrimSpace(def.Manager.ID) != "" {
		makeManager, ok := managerFactories[strings.TrimSpace(def.Manager.ID)]
		if !ok {
			return nil, fmt.Errorf("未知 manager: %q", def.Manager.ID)
		}
		manager, err = makeManager(def.Manager.Params)
		if err != nil {
			return nil, fmt.Errorf("manager %s: %w", def.Manager.ID, err)
		}
	}

	names, err := mergeIndicators(def.Indicators, sig, filter, sizer, policy, manager)
	if err != nil {
		return nil, err
	}

	return &Instance{
		Def:        def,
		Signal:     sig,
		Filter:     filter,
		Policy:     policy,
		Manager:    manager,
		Sizer:      sizer,
		Indicators: names,
	}, nil
}

// mergeIndicators 汇总全部组件的指标需求并解析校验。
func mergeIndicators(extra []string, components ...any) ([]string, error) {
	var names []string
	names = append(names, extra...)
	for _, c := range components {
		if c == nil {
			continue
		}
		if req, ok := c.(engine.IndicatorRequirer); ok {
			names = append(names, req.Indicators()...)
		}
	}
	specs, err := indicator.ParseSpecs(names)
	if err != nil {
		return nil, fmt.Errorf("指标需求不合法: %w", err)
	}
	out := make([]string, len(specs))
	for i, spec := range specs {
		out[i] = spec.Name
	}
	return out, nil
}
