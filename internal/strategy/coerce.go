package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// DecodeDefinition 解析 HTTP 提交的策略定义 JSON。外层允许裹一层
// {"strategy": {...}}，参数里的数字字符串会被还原成数值。
func DecodeDefinition(raw []byte) (Definition, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Definition{}, fmt.Errorf("策略定义为空")
	}
	if !gjson.Valid(trimmed) {
		return Definition{}, fmt.Errorf("策略定义不是合法 JSON")
	}
	node := gjson.Parse(trimmed)
	if inner := node.Get("strategy"); inner.Exists() && inner.IsObject() {
		node = inner
	}
	if !node.IsObject() {
		return Definition{}, fmt.Errorf("策略定义需为 JSON 对象")
	}
	var def Definition
	if err := json.Unmarshal([]byte(node.Raw), &def); err != nil {
		return Definition{}, fmt.Errorf("策略定义解析失败: %w", err)
	}
	def.Signal.Params = sanitizeParams(def.Signal.Params)
	def.Policy.Params = sanitizeParams(def.Policy.Params)
	def.Sizer.Params = sanitizeParams(def.Sizer.Params)
	if def.Filter != nil {
		def.Filter.Params = sanitizeParams(def.Filter.Params)
	}
	if def.Manager != nil {
		def.Manager.Params = sanitizeParams(def.Manager.Params)
	}
	return def, nil
}

// sanitizeParams 递归清洗参数：数字字符串与 json.Number 统一还原成
// float64，方便 schema 校验与组件工厂消费。
func sanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		if num, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return num
		}
		return val
	case json.Number:
		if num, err := val.Float64(); err == nil {
			return num
		}
		return val.String()
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		return sanitizeParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
