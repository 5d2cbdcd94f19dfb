package identity

import (
	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
)

// UserContext 认证通过后写入请求上下文的用户信息
type UserContext struct {
	UserID string
	Roles  []string
}

const userContextKey = "identity.user"

// AuthMiddleware JWT 认证中间件。只接受 access 类型令牌，
// 通过后把用户 ID 与角色写入 Gin 上下文。
func AuthMiddleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			common.AbortWithError(c, common.CodeUnauthorized, "缺少认证令牌")
			return
		}

		token := ExtractTokenFromBearer(authHeader)
		claims, err := tokens.ValidateToken(c.Request.Context(), token)
		if err != nil {
			common.AbortWithError(c, common.CodeUnauthorized, "令牌验证失败: "+err.Error())
			return
		}

		if claims.TokenType != "access" {
			common.AbortWithError(c, common.CodeUnauthorized, "令牌类型错误")
			return
		}

		c.Set(userContextKey, &UserContext{
			UserID: claims.UserID,
			Roles:  claims.Roles,
		})
		c.Next()
	}
}

// OptionalAuthMiddleware 可选认证。携带有效令牌时写入用户
// 上下文，无令牌或令牌无效不拦截请求。
func OptionalAuthMiddleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		token := ExtractTokenFromBearer(authHeader)
		claims, err := tokens.ValidateToken(c.Request.Context(), token)
		if err == nil && claims.TokenType == "access" {
			c.Set(userContextKey, &UserContext{
				UserID: claims.UserID,
				Roles:  claims.Roles,
			})
		}
		c.Next()
	}
}

// RequireRole 角色检查中间件，持有任一指定角色即放行
func RequireRole(requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userCtx, ok := GetUserContext(c)
		if !ok {
			common.AbortWithError(c, common.CodeUnauthorized, "未认证，请先登录")
			return
		}

		if !hasAnyRole(userCtx.Roles, requiredRoles) {
			common.AbortWithError(c, common.CodeForbidden, "角色权限不足")
			return
		}
		c.Next()
	}
}

// GetUserContext 从 Gin 上下文读取认证用户
func GetUserContext(c *gin.Context) (*UserContext, bool) {
	value, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}
	userCtx, ok := value.(*UserContext)
	return userCtx, ok
}

func hasAnyRole(userRoles, requiredRoles []string) bool {
	held := make(map[string]bool, len(userRoles))
	for _, role := range userRoles {
		held[role] = true
	}
	for _, required := range requiredRoles {
		if held[required] {
			return true
		}
	}
	return false
}
