package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为兜底。
	RequiredPermissions map[string][]string
}

// DefaultPermissions 要求读请求具备 plugins:read，写请求具备 plugins:write。
func DefaultPermissions() MiddlewareConfig {
	return MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermissionPluginsRead},
		http.MethodHead: {PermissionPluginsRead},
		"*":             {PermissionPluginsWrite},
	}}
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。认证关闭时直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				s.deny(w, r, "access_denied", status, err, "")
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, "permission_denied", http.StatusForbidden, err, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				s.audit.Info("api_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", aw.status,
					"duration_ms", time.Since(start).Milliseconds(),
					"user", subject.Name,
				)
			}
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, event string, status int, err error, user string) {
	s.audit.Warn(event,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"user", user,
	)
	code := "UNAUTHORIZED"
	if status == http.StatusForbidden {
		code = "FORBIDDEN"
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": http.StatusText(status), "code": code})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
