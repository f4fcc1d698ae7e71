// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误，组件级错误通过 %w 包装它们，API 层据此映射状态码
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	ErrClosed     = errors.New("closed")
	ErrForbidden  = errors.New("forbidden")

	// ErrRateLimited 非等待模式下超出限流
	ErrRateLimited = errors.New("rate limited")
)

// Is / As 透传标准库，避免调用方同时导入两个 errors 包
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// New 透传 errors.New
func New(text string) error { return errors.New(text) }

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
