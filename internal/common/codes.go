package common

// 业务状态码空间：1xxx 通用，2xxx 身份，3xxx 工单，5xxx 工作流。
// 新增错误码时同步补充 errorMessages 的兜底文案。
const (
	CodeSuccess = 0

	// 通用错误码 (1000-1999)
	CodeInvalidRequest     = 1000 // 请求参数错误
	CodeUnauthorized       = 1001 // 未授权
	CodeForbidden          = 1002 // 禁止访问
	CodeNotFound           = 1003 // 资源不存在
	CodeConflict           = 1004 // 资源冲突
	CodeInternalError      = 1005 // 内部错误
	CodeServiceUnavailable = 1006 // 服务不可用
	CodeRateLimited        = 1007 // 请求过于频繁

	// 身份错误码 (2000-2099)
	CodeUserNotFound       = 2000 // 用户不存在
	CodeUserDisabled       = 2001 // 用户已禁用（登录接口对外统一按凭证无效返回）
	CodeInvalidCredentials = 2002 // 凭证无效
	CodeRoleNotFound       = 2010 // 角色不存在

	// 工单错误码 (3000-3099)
	CodeJobOrderNotFound = 3000 // 工单不存在
	CodeJobOrderConflict = 3001 // 工单数据冲突

	// 工作流错误码 (5000-5099)
	CodeTransitionInvalid      = 5000 // 流转未定义
	CodeTransitionDenied       = 5001 // 角色权限不足
	CodeTransitionInvalidData  = 5002 // 必填字段或校验规则未通过
	CodePrerequisiteFailed     = 5003 // 阶段前置条件未满足
	CodeWorkflowInternal       = 5004 // 工作流内部错误
	CodeScheduleNotFound       = 5010 // 计划流转不存在
	CodeScheduleNotCancellable = 5011 // 计划流转不可取消
	CodeAutomationRuleNotFound = 5020 // 自动化规则不存在
	CodeAutomationRuleInvalid  = 5021 // 自动化规则定义无效
)

// errorMessages 各错误码的兜底文案，响应未携带 message 时使用
var errorMessages = map[int]string{
	CodeSuccess:            "操作成功",
	CodeInvalidRequest:     "请求参数错误",
	CodeUnauthorized:       "未授权，请先登录",
	CodeForbidden:          "无权限访问",
	CodeNotFound:           "资源不存在",
	CodeConflict:           "资源冲突",
	CodeInternalError:      "系统内部错误",
	CodeServiceUnavailable: "服务暂不可用",
	CodeRateLimited:        "请求过于频繁，请稍后重试",

	CodeUserNotFound:       "用户不存在",
	CodeUserDisabled:       "用户已禁用",
	CodeInvalidCredentials: "用户名或密码错误",
	CodeRoleNotFound:       "角色不存在",

	CodeJobOrderNotFound: "工单不存在",
	CodeJobOrderConflict: "工单数据冲突",

	CodeTransitionInvalid:      "流转未定义",
	CodeTransitionDenied:       "角色权限不足",
	CodeTransitionInvalidData:  "字段校验未通过",
	CodePrerequisiteFailed:     "阶段前置条件未满足",
	CodeWorkflowInternal:       "工作流内部错误",
	CodeScheduleNotFound:       "计划流转不存在",
	CodeScheduleNotCancellable: "计划流转不可取消",
	CodeAutomationRuleNotFound: "自动化规则不存在",
	CodeAutomationRuleInvalid:  "自动化规则定义无效",
}

// messageFor 返回错误码的兜底文案
func messageFor(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "未知错误"
}
