package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap 以 JSON 文本落库的通用字典（details/context/config 袋）
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Merge 追加合并（不整体替换），同键以 other 为准
func (m JSONMap) Merge(other JSONMap) JSONMap {
	out := JSONMap{}
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// GetString 取字符串字段，缺失返回空串
func (m JSONMap) GetString(key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// GetUint 取数值字段（JSON 反序列化后为 float64）
func (m JSONMap) GetUint(key string) uint {
	switch v := m[key].(type) {
	case float64:
		return uint(v)
	case int:
		return uint(v)
	case uint:
		return v
	case int64:
		return uint(v)
	}
	return 0
}

// GetUintSlice 取数值数组字段
func (m JSONMap) GetUintSlice(key string) []uint {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var out []uint
	switch vs := raw.(type) {
	case []interface{}:
		for _, v := range vs {
			if f, ok := v.(float64); ok {
				out = append(out, uint(f))
			}
		}
	case []uint:
		out = vs
	case []float64:
		for _, f := range vs {
			out = append(out, uint(f))
		}
	}
	return out
}

// GetStringSlice 取字符串数组字段
func (m JSONMap) GetStringSlice(key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var out []string
	switch vs := raw.(type) {
	case []interface{}:
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = vs
	}
	return out
}

// StringList 以 JSON 数组落库的字符串列表（operators/helpers/unlock 集合）
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// Contains 判断列表是否包含指定元素
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// UintList 以 JSON 数组落库的数值列表（cluster_ids）
type UintList []uint

func (l UintList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]uint(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *UintList) Scan(value interface{}) error {
	if value == nil {
		*l = UintList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for UintList: %T", value)
	}
	if len(data) == 0 {
		*l = UintList{}
		return nil
	}
	return json.Unmarshal(data, (*[]uint)(l))
}

// Contains 判断列表是否包含指定元素
func (l UintList) Contains(id uint) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}
