package workflow

import (
	"errors"
	"fmt"

	"jobflow/internal/common"
)

// ErrJobOrderNotFound 按 ID 查询不到工单
var ErrJobOrderNotFound = errors.New("工单不存在")

// ErrScheduleNotFound 按 ID 查询不到计划转换
var ErrScheduleNotFound = errors.New("计划转换不存在")

// ErrScheduleNotCancellable 计划转换已进入终态，不可取消
var ErrScheduleNotCancellable = errors.New("计划转换不可取消")

// ErrRuleNotFound 按名称或 ID 查询不到自动化规则
var ErrRuleNotFound = errors.New("自动化规则不存在")

// ErrRuleInvalid 自动化规则定义不合法
var ErrRuleInvalid = errors.New("自动化规则定义无效")

// Kind 工作流错误类别，对应 API 响应中的 error 字段
type Kind string

const (
	// KindWorkflow 转换在状态机中未定义
	KindWorkflow Kind = "WorkflowError"
	// KindPermission 操作者角色不满足目标阶段要求
	KindPermission Kind = "PermissionError"
	// KindValidation 必填字段缺失或校验规则失败
	KindValidation Kind = "ValidationError"
	// KindPrerequisite 阶段前置条件未满足
	KindPrerequisite Kind = "PrerequisiteError"
	// KindSystem 未预期的内部错误
	KindSystem Kind = "SystemError"
)

// Error 工作流业务错误，携带类别与面向调用方的消息。
// Message 是对外契约的一部分，保持英文原文。
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap 返回底层原因，支持 errors.Is/As 链式判断
func (e *Error) Unwrap() error {
	return e.cause
}

// BusinessCode 映射到统一业务错误码
func (e *Error) BusinessCode() int {
	switch e.Kind {
	case KindWorkflow:
		return common.CodeTransitionInvalid
	case KindPermission:
		return common.CodeTransitionDenied
	case KindValidation:
		return common.CodeTransitionInvalidData
	case KindPrerequisite:
		return common.CodePrerequisiteFailed
	default:
		return common.CodeWorkflowInternal
	}
}

// NewWorkflowError 创建非法转换错误
func NewWorkflowError(format string, args ...any) *Error {
	return &Error{Kind: KindWorkflow, Message: fmt.Sprintf(format, args...)}
}

// NewPermissionError 创建权限不足错误
func NewPermissionError(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError 创建数据校验错误
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewPrerequisiteError 创建前置条件错误
func NewPrerequisiteError(format string, args ...any) *Error {
	return &Error{Kind: KindPrerequisite, Message: fmt.Sprintf(format, args...)}
}

// NewSystemError 包装未预期的内部错误
func NewSystemError(err error) *Error {
	return &Error{Kind: KindSystem, Message: err.Error(), cause: err}
}

// AsError 提取工作流错误，非工作流错误返回 false
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// KindOf 返回错误类别，未知错误归为 SystemError
func KindOf(err error) Kind {
	if we, ok := AsError(err); ok {
		return we.Kind
	}
	return KindSystem
}
