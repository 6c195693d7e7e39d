package services

import (
	"strconv"
	"strings"
)

func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(stringify(v))
}

func configInt(cfg map[string]interface{}, key string) (int, bool) {
	if cfg == nil {
		return 0, false
	}
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// configFloat 读取数值配置；ok=false 且 present=true 表示值存在但无法解析
func configFloat(cfg map[string]interface{}, key string) (f float64, ok, present bool) {
	if cfg == nil {
		return 0, false, false
	}
	raw, exists := cfg[key]
	if !exists || raw == nil {
		return 0, false, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true, true
	case float32:
		return float64(v), true, true
	case int:
		return float64(v), true, true
	case int64:
		return float64(v), true, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false, true
		}
		return n, true, true
	default:
		return 0, false, true
	}
}

// mergeData 合并数据，后面的 map 覆盖前面的同名键
func mergeData(maps ...map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
