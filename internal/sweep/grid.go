package sweep

import "sort"

// Grid 按组件分组的参数轴：组件名（signal/filter/policy/sizer/manager）
// 下挂参数名到候选值列表。展开时轴按组件名、参数名字典序排列，
// 末位轴变化最快，产出顺序与 map 书写顺序无关。
type Grid map[string]map[string][]any

type gridAxis struct {
	component string
	param     string
	values    []any
}

func sortedAxes(grid Grid) []gridAxis {
	comps := make([]string, 0, len(grid))
	for c := range grid {
		comps = append(comps, c)
	}
	sort.Strings(comps)
	var axes []gridAxis
	for _, c := range comps {
		params := grid[c]
		names := make([]string, 0, len(params))
		for p := range params {
			names = append(names, p)
		}
		sort.Strings(names)
		for _, p := range names {
			if len(params[p]) == 0 {
				continue
			}
			axes = append(axes, gridAxis{component: c, param: p, values: params[p]})
		}
	}
	return axes
}

// Size 返回展开后的变体数量，不实际展开。空轴不参与计数。
func (g Grid) Size() int {
	axes := sortedAxes(g)
	if len(axes) == 0 {
		return 0
	}
	total := 1
	for _, ax := range axes {
		total *= len(ax.values)
	}
	return total
}

// ExpandGrid 把参数轴展开成覆盖集（笛卡尔积），每个元素可直接作为
// 策略参数覆盖使用。同一 Grid 必定展开出同一串变体。
func ExpandGrid(grid Grid) []map[string]any {
	axes := sortedAxes(grid)
	if len(axes) == 0 {
		return nil
	}
	total := 1
	for _, ax := range axes {
		total *= len(ax.values)
	}
	out := make([]map[string]any, 0, total)
	idx := make([]int, len(axes))
	for {
		variant := make(map[string]any, len(grid))
		for i, ax := range axes {
			comp, _ := variant[ax.component].(map[string]any)
			if comp == nil {
				comp = make(map[string]any)
				variant[ax.component] = comp
			}
			comp[ax.param] = ax.values[idx[i]]
		}
		out = append(out, variant)
		pos := len(axes) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(axes[pos].values) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}
