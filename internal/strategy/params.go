package strategy

import (
	"encoding/json"
	"strconv"
	"strings"
)

// number 宽松地把任意 JSON/YAML 标量转成 float64。
// 配置和 HTTP 请求里数字时常以字符串形式出现，这里统一兜住。
func number(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func numberFromKeys(m map[string]any, keys ...string) (float64, bool) {
	if len(keys) == 0 || len(m) == 0 {
		return 0, false
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if val, ok := m[key]; ok {
			if num, ok := number(val); ok {
				return num, true
			}
		}
	}
	return 0, false
}

// intParam 取整数参数，fallback 为缺省值。
func intParam(m map[string]any, key string, fallback int) int {
	if v, ok := numberFromKeys(m, key); ok {
		return int(v)
	}
	return fallback
}

// floatParam 取浮点参数，fallback 为缺省值。
func floatParam(m map[string]any, key string, fallback float64) float64 {
	if v, ok := numberFromKeys(m, key); ok {
		return v
	}
	return fallback
}

// stringParam 取字符串参数（去空白、转小写）。
func stringParam(m map[string]any, key, fallback string) string {
	if raw, ok := m[key]; ok {
		if s, ok := raw.(string); ok {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				return s
			}
		}
	}
	return fallback
}

// boolParam 取布尔参数，接受 bool 与 "true"/"false" 字符串。
func boolParam(m map[string]any, key string, fallback bool) bool {
	raw, ok := m[key]
	if !ok {
		return fallback
	}
	switch val := raw.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err == nil {
			return b
		}
	}
	return fallback
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return map[string]any{}
	}
	dup := make(map[string]any, len(src))
	for k, v := range src {
		dup[k] = v
	}
	return dup
}
