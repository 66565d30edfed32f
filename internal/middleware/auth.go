package middleware

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/service/identity"
	"github.com/zhouzirui/z-tavern/dmsync/pkg/utils"
)

type contextKey int

const (
	userIDKey contextKey = iota
	tokenKey
)

// Auth 校验访问令牌并把用户ID放入请求上下文。
// 浏览器的 EventSource 与 WebSocket 无法设置请求头, 因此也接受 access_token 查询参数。
func Auth(authenticator identity.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := identity.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("access_token")
			}

			userID, err := authenticator.Authenticate(token)
			if err != nil {
				if !errors.Is(err, identity.ErrMissingToken) {
					log.WithField("path", r.URL.Path).Debugf("[auth] rejected token: %v", err)
				}
				utils.RespondErrorCode(w, http.StatusUnauthorized, "unauthorized", "valid access token required")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID 返回认证后的用户ID
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Token 返回请求携带的访问令牌
func Token(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// WithUser 构造带用户身份的上下文, 供测试与内部调用使用
func WithUser(ctx context.Context, userID, token string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, tokenKey, token)
}
