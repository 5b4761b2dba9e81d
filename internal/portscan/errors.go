package portscan

import (
	"errors"
	"fmt"
)

var (
	// ErrRunActive 已有扫描在运行时再次 Start
	ErrRunActive = errors.New("a scan run is already active")
	// ErrNoProber 未配置探测策略
	ErrNoProber = errors.New("scanner has no prober")
)

// InvalidRangeError 地址或端口范围非法, 在任何探测开始前返回
type InvalidRangeError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidRangeError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid range: %s=%s: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid range: %s: %s", e.Field, e.Reason)
}

func rangeError(field, value, reason string) *InvalidRangeError {
	return &InvalidRangeError{Field: field, Value: value, Reason: reason}
}

// IsInvalidRange 判断 err 链中是否有 InvalidRangeError
func IsInvalidRange(err error) bool {
	var re *InvalidRangeError
	return errors.As(err, &re)
}
