package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(t *testing.T, tokens *TokenService, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(tokens)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		userCtx, ok := GetUserContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"uid": userCtx.UserID, "roles": userCtx.Roles})
	})
	r.GET("/protected", handlers...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	tokens := NewTokenService("unit-test-secret", "jobflow")
	r := newAuthRouter(t, tokens)

	pair, err := tokens.GenerateTokenPair("u-lena", []string{"Estimator"})
	require.NoError(t, err)

	t.Run("缺少令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("有效访问令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), "u-lena")
		require.Contains(t, resp.Body.String(), "Estimator")
	})

	t.Run("刷新令牌不能访问接口", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("伪造令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})
}

func TestOptionalAuthMiddleware(t *testing.T) {
	tokens := NewTokenService("unit-test-secret", "jobflow")
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/open", OptionalAuthMiddleware(tokens), func(c *gin.Context) {
		if userCtx, ok := GetUserContext(c); ok {
			c.JSON(http.StatusOK, gin.H{"uid": userCtx.UserID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uid": "anonymous"})
	})

	t.Run("无令牌放行", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/open", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), "anonymous")
	})

	t.Run("无效令牌放行但不注入用户", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/open", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), "anonymous")
	})

	t.Run("有效令牌注入用户", func(t *testing.T) {
		pair, err := tokens.GenerateTokenPair("u-pm", []string{"Project Manager"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/open", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), "u-pm")
	})
}

func TestRequireRole(t *testing.T) {
	tokens := NewTokenService("unit-test-secret", "jobflow")
	r := newAuthRouter(t, tokens, RequireRole("System Manager", "Project Manager"))

	t.Run("持有任一角色放行", func(t *testing.T) {
		pair, err := tokens.GenerateTokenPair("u-pm", []string{"Project Manager"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("角色不足返回 403", func(t *testing.T) {
		pair, err := tokens.GenerateTokenPair("u-tech", []string{"Technician"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusForbidden, resp.Code)
	})
}
