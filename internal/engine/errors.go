package engine

import (
	"errors"
	"fmt"
)

// 订单簿错误码。
const (
	BookErrNotFound    = "not_found"
	BookErrTerminal    = "terminal"
	BookErrBadQty      = "bad_qty"
	BookErrOCOConflict = "oco_conflict"
	BookErrBadOrder    = "bad_order"
)

// OrderBookError 表示订单簿拒绝了一次操作：引用了不存在或已终结的
// 订单、数量非法、OCO 腿冲突等。这类错误可恢复，由调用方决定如何处置，
// 不会中止整个 run。
type OrderBookError struct {
	Op      string
	Code    string
	OrderID string
	Reason  string
}

func (e *OrderBookError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("order book %s (%s): %s: %s", e.Op, e.Code, e.OrderID, e.Reason)
	}
	return fmt.Sprintf("order book %s (%s): %s", e.Op, e.Code, e.Reason)
}

func bookErr(op, code, orderID, format string, args ...any) *OrderBookError {
	return &OrderBookError{Op: op, Code: code, OrderID: orderID, Reason: fmt.Sprintf(format, args...)}
}

// IsTerminalOrder 报告错误是否为"订单已终结"。OCO 兄弟腿先一步被取消时
// 再次取消会得到这类错误，调用方通常视作成功。
func IsTerminalOrder(err error) bool {
	var be *OrderBookError
	return errors.As(err, &be) && be.Code == BookErrTerminal
}

// ConfigError 表示 run 配置或执行预设在装配阶段未通过校验，
// 带上出错的字段名。这类错误在任何 K 线被处理之前返回。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error %s: %s", e.Field, e.Reason)
	}
	return "config error: " + e.Reason
}

func cfgErr(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DataError 表示输入序列在模拟途中被发现不满足契约（symbol 或下标
// 越出序列、成交价非有限等）。对当前 run 是致命的。
type DataError struct {
	Symbol string
	Bar    int
	Reason string
}

func (e *DataError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("data error %s bar %d: %s", e.Symbol, e.Bar, e.Reason)
	}
	return fmt.Sprintf("data error bar %d: %s", e.Bar, e.Reason)
}
