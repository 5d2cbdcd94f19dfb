package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse 统一响应信封，所有 HTTP 接口共用
type APIResponse struct {
	Success bool   `json:"success"`           // 是否成功
	Data    any    `json:"data,omitempty"`    // 响应数据
	Message string `json:"message,omitempty"` // 提示信息
	Code    int    `json:"code"`              // 业务状态码，0 表示成功
}

// SuccessResponse 构造成功信封
func SuccessResponse(data any) APIResponse {
	return APIResponse{Success: true, Data: data, Code: CodeSuccess}
}

// SuccessMessageResponse 构造带提示信息的成功信封
func SuccessMessageResponse(message string, data any) APIResponse {
	resp := SuccessResponse(data)
	resp.Message = message
	return resp
}

// ErrorResponse 构造失败信封，message 为空时取错误码兜底文案
func ErrorResponse(code int, message string) APIResponse {
	if message == "" {
		message = messageFor(code)
	}
	return APIResponse{Success: false, Message: message, Code: code}
}

// codeHTTPStatus 业务码到 HTTP 状态码的映射。
// 未列出的业务拒绝（如流转校验不通过）以 200 返回，由信封的 success 标识失败。
var codeHTTPStatus = map[int]int{
	CodeInvalidRequest:         http.StatusBadRequest,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeInvalidCredentials:     http.StatusUnauthorized,
	CodeForbidden:              http.StatusForbidden,
	CodeTransitionDenied:       http.StatusForbidden,
	CodeNotFound:               http.StatusNotFound,
	CodeUserNotFound:           http.StatusNotFound,
	CodeJobOrderNotFound:       http.StatusNotFound,
	CodeScheduleNotFound:       http.StatusNotFound,
	CodeAutomationRuleNotFound: http.StatusNotFound,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeInternalError:          http.StatusInternalServerError,
	CodeWorkflowInternal:       http.StatusInternalServerError,
}

// httpStatusFor 返回业务码对应的 HTTP 状态码，未映射的返回 200
func httpStatusFor(code int) int {
	if status, ok := codeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusOK
}

// ResponseSuccess 返回成功响应
func ResponseSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse(data))
}

// ResponseSuccessMessage 返回成功响应（带消息）
func ResponseSuccessMessage(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, SuccessMessageResponse(message, data))
}

// ResponseCreated 返回创建成功响应（201）
func ResponseCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, SuccessResponse(data))
}

// ResponseError 返回错误响应，HTTP 状态码按 codeHTTPStatus 映射
func ResponseError(c *gin.Context, code int, message string) {
	c.JSON(httpStatusFor(code), ErrorResponse(code, message))
}

// AbortWithError 返回错误响应并中断后续处理，供中间件使用
func AbortWithError(c *gin.Context, code int, message string) {
	ResponseError(c, code, message)
	c.Abort()
}

// ResponseBadRequest 返回参数错误响应
func ResponseBadRequest(c *gin.Context, message string) {
	ResponseError(c, CodeInvalidRequest, message)
}

// ResponseUnauthorized 返回未认证响应
func ResponseUnauthorized(c *gin.Context, message string) {
	ResponseError(c, CodeUnauthorized, message)
}

// ResponseForbidden 返回无权限响应
func ResponseForbidden(c *gin.Context, message string) {
	ResponseError(c, CodeForbidden, message)
}

// ResponseNotFound 返回资源不存在响应
func ResponseNotFound(c *gin.Context, message string) {
	ResponseError(c, CodeNotFound, message)
}

// ResponseServerError 返回服务器错误响应
func ResponseServerError(c *gin.Context, message string) {
	ResponseError(c, CodeInternalError, message)
}
