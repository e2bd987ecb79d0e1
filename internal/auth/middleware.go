package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "Revenue-API/pkg/logger"
)

// MiddlewareConfig 按 HTTP 方法配置访问所需的权限。
type MiddlewareConfig struct {
	// RequiredPermissions 的键是 HTTP 方法，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志里的事件名，为空时用请求路径。
	AuditEvent string
}

// Middleware 返回认证加授权的 HTTP 中间件。禁用模式下直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.deny(w, r, "access_denied", denialStatus(err), err, "")
				return
			}

			if perms := cfg.permissionsFor(r.Method); len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					s.deny(w, r, "permission_denied", http.StatusForbidden, err, subject.Username)
					return
				}
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

func (cfg MiddlewareConfig) permissionsFor(method string) []string {
	if perms := cfg.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return cfg.RequiredPermissions["*"]
}

// denialStatus 把认证错误映射为响应状态码。
func denialStatus(err error) int {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, event string, status int, cause error, user string) {
	http.Error(w, http.StatusText(status), status)
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", cause.Error(),
	}
	if user != "" {
		attrs = append(attrs, "user", user)
	}
	s.auditLogger().Warn(event, attrs...)
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 记录写出的状态码，供审计日志使用。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
