package auth

import (
	"errors"

	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/identity"
)

// AuthHandler 认证 Handler
type AuthHandler struct {
	store  *identity.Store
	tokens *identity.TokenService
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(store *identity.Store, tokens *identity.TokenService) *AuthHandler {
	return &AuthHandler{store: store, tokens: tokens}
}

// LoginRequest 登录请求体
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应体
type LoginResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int64    `json:"expiresIn"`
	UserID       string   `json:"userId"`
	FullName     string   `json:"fullName"`
	Roles        []string `json:"roles"`
}

// Login 用户登录
// @Summary 用户登录
// @Description 校验邮箱密码，签发访问与刷新令牌
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "登录凭证"
// @Success 200 {object} common.APIResponse{data=LoginResponse}
// @Failure 401 {object} common.APIResponse
// @Router /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	user, roles, err := h.store.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			common.ResponseError(c, common.CodeInvalidCredentials, "邮箱或密码错误")
			return
		}
		common.ResponseServerError(c, "登录失败")
		return
	}

	pair, err := h.tokens.GenerateTokenPair(user.ID, roles)
	if err != nil {
		common.ResponseServerError(c, "签发令牌失败")
		return
	}

	common.ResponseSuccess(c, LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		UserID:       user.ID,
		FullName:     user.FullName,
		Roles:        roles,
	})
}

// RefreshRequest 刷新令牌请求体
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh 刷新访问令牌
// @Summary 刷新访问令牌
// @Description 用刷新令牌换取新的令牌对
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "刷新令牌"
// @Success 200 {object} common.APIResponse{data=identity.TokenPair}
// @Failure 401 {object} common.APIResponse
// @Router /api/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	pair, err := h.tokens.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		common.ResponseError(c, common.CodeUnauthorized, "刷新令牌无效: "+err.Error())
		return
	}
	common.ResponseSuccess(c, pair)
}

// Logout 用户登出
// @Summary 用户登出
// @Description 将当前访问令牌加入黑名单（需要 Redis）
// @Tags Auth
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	token := identity.ExtractTokenFromBearer(c.GetHeader("Authorization"))
	if token == "" {
		common.ResponseBadRequest(c, "缺少认证令牌")
		return
	}

	if err := h.tokens.InvalidateToken(c.Request.Context(), token); err != nil {
		common.ResponseServerError(c, "登出失败: "+err.Error())
		return
	}
	common.ResponseSuccessMessage(c, "登出成功", nil)
}

// Me 查询当前用户
// @Summary 查询当前用户
// @Description 返回令牌对应的用户信息与角色集合
// @Tags Auth
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Router /api/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	uc, ok := identity.GetUserContext(c)
	if !ok {
		common.ResponseUnauthorized(c, "未认证")
		return
	}

	user, err := h.store.GetUser(c.Request.Context(), uc.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			common.ResponseError(c, common.CodeUserNotFound, "用户不存在")
			return
		}
		common.ResponseServerError(c, "查询用户失败")
		return
	}

	common.ResponseSuccess(c, gin.H{
		"user":  user,
		"roles": uc.Roles,
	})
}
