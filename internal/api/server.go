package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Revenue-API/internal/auth"
	xerrors "Revenue-API/internal/errors"
	"Revenue-API/internal/observability/metrics"
	"Revenue-API/internal/revenue"
	"Revenue-API/internal/task"
	"Revenue-API/internal/workflow"
	"Revenue-API/pkg/logger"
)

// ServiceInfo 描述 GET /api 返回的服务元信息。
type ServiceInfo struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Config 描述 API 服务器的运行参数。
type Config struct {
	Address           string
	Name              string
	Version           string
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
}

// Server 负责暴露 REST 接口，供外部提交与查询营收作业。
type Server struct {
	cfg     Config
	tasks   *task.Service
	ledger  revenue.Repository
	authSvc *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, tasks *task.Service, ledger revenue.Repository, authSvc *auth.Service) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, tasks: tasks, ledger: ledger, authSvc: authSvc}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 组装全部路由与中间件，便于测试时直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api", s.instrument("info", http.HandlerFunc(s.handleInfo)))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("POST /api/v1/auth/token", s.instrument("auth_token", http.HandlerFunc(s.handleToken)))
	mux.Handle("GET /metrics", metrics.Handler())

	taskGuard := s.guard(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {"tasks:read"},
			http.MethodPost: {"tasks:write"},
		},
		AuditEvent: "tasks",
	})
	mux.Handle("POST /api/v1/tasks", s.instrument("tasks_submit", taskGuard(http.HandlerFunc(s.handleSubmitTask))))
	mux.Handle("GET /api/v1/tasks", s.instrument("tasks_list", taskGuard(http.HandlerFunc(s.handleListTasks))))
	mux.Handle("GET /api/v1/tasks/stats", s.instrument("tasks_stats", taskGuard(http.HandlerFunc(s.handleTaskStats))))
	mux.Handle("GET /api/v1/tasks/{id}", s.instrument("tasks_detail", taskGuard(http.HandlerFunc(s.handleGetTask))))

	ledgerGuard := s.guard(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {"revenue:read"},
			http.MethodPost: {"revenue:write"},
		},
		AuditEvent: "revenue",
	})
	mux.Handle("POST /api/v1/revenue/entries", s.instrument("revenue_record", ledgerGuard(http.HandlerFunc(s.handleRecordEntries))))
	mux.Handle("GET /api/v1/revenue/entries", s.instrument("revenue_list", ledgerGuard(http.HandlerFunc(s.handleListEntries))))
	mux.Handle("GET /api/v1/revenue/summary", s.instrument("revenue_summary", ledgerGuard(http.HandlerFunc(s.handleSummary))))

	return recoverPanics(corsMiddleware(s.cfg.AllowedOrigins, mux))
}

// guard 在启用认证时包裹处理器，未启用时直接放行。
func (s *Server) guard(cfg auth.MiddlewareConfig) func(http.Handler) http.Handler {
	if s.authSvc == nil || s.authSvc.Mode() == auth.ModeDisabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.authSvc.Middleware(cfg)
}

// instrument 采集每个路由的请求计数与时延指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServiceInfo{
		Name:    s.cfg.Name,
		Status:  "ok",
		Version: s.cfg.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().Unix(),
	}
	if s.tasks != nil {
		stats, err := s.tasks.Stats(r.Context())
		if err != nil {
			payload["status"] = "degraded"
			payload["tasks"] = map[string]any{"error": err.Error()}
		} else {
			payload["tasks"] = stats
			payload["in_flight"] = stats.InFlight()
		}
	}
	if s.ledger != nil {
		if _, err := s.ledger.ListLatest(r.Context(), 1); err != nil {
			payload["status"] = "degraded"
			payload["ledger"] = map[string]any{"error": err.Error()}
		} else {
			payload["ledger"] = map[string]any{"status": "ok"}
		}
	}
	status := http.StatusOK
	if payload["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.authSvc == nil || s.authSvc.Mode() == auth.ModeDisabled {
		writeError(w, http.StatusNotFound, "authentication disabled", "", "")
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error(), "")
		return
	}
	pair, err := s.authSvc.Authenticate(r.Context(), req)
	if err != nil {
		switch {
		case stdErrors.Is(err, auth.ErrInvalidCredentials), stdErrors.Is(err, auth.ErrSubjectRevoked):
			writeError(w, http.StatusUnauthorized, "invalid credentials", "", "")
		case stdErrors.Is(err, auth.ErrUnsupportedGrant):
			writeError(w, http.StatusBadRequest, "unsupported grant type", "", "")
		default:
			writeError(w, http.StatusInternalServerError, "token issuance failed", err.Error(), "")
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// submitTaskRequest 描述作业提交请求体。
type submitTaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error(), "")
		return
	}

	// 客户端携带 ID 的重复提交返回已存在的任务，状态码用 200 区分。
	if id := strings.TrimSpace(req.ID); id != "" && s.tasks != nil {
		existing, err := s.tasks.Get(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if !stdErrors.Is(err, task.ErrTaskNotFound) {
			s.writeTaskError(w, err)
			return
		}
	}

	created, err := s.tasks.Submit(r.Context(), workflow.Job{
		ID:       req.ID,
		Type:     req.Type,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query parameter", err.Error(), "")
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query parameter", err.Error(), "")
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// recordEntriesRequest 描述同步入账请求体。
type recordEntriesRequest struct {
	Entries []revenue.Entry `json:"entries"`
}

func (s *Server) handleRecordEntries(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured", "", "")
		return
	}
	var req recordEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error(), "")
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "entries must not be empty", "", string(revenue.CodeEntryValidation))
		return
	}
	prepared, err := revenue.PrepareEntries(req.Entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, "entry validation failed", err.Error(), string(xerrors.CodeOf(err)))
		return
	}
	if err := s.ledger.Save(r.Context(), prepared); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist entries", err.Error(), string(xerrors.CodeOf(err)))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entries": prepared, "count": len(prepared)})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured", "", "")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", raw, "")
			return
		}
		limit = parsed
	}
	entries, err := s.ledger.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entries", err.Error(), string(xerrors.CodeOf(err)))
		return
	}
	if entries == nil {
		entries = []revenue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured", "", "")
		return
	}
	query := r.URL.Query()
	account := strings.TrimSpace(query.Get("account"))
	since, err := parseUnixParam(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since", err.Error(), "")
		return
	}
	until, err := parseUnixParam(query.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid until", err.Error(), "")
		return
	}
	if since > 0 && until > 0 && since > until {
		writeError(w, http.StatusBadRequest, "since must not be after until", "", "")
		return
	}
	summaries, err := s.ledger.Summarize(r.Context(), account, since, until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize entries", err.Error(), string(xerrors.CodeOf(err)))
		return
	}
	if summaries == nil {
		summaries = []revenue.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

// writeTaskError 将领域错误映射为 HTTP 状态码。
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound), code == xerrors.CodeNotFound:
		status = http.StatusNotFound
	case stdErrors.Is(err, task.ErrTaskConflict), code == xerrors.CodeConflict:
		status = http.StatusConflict
	case stdErrors.Is(err, task.ErrTaskCompleted), code == xerrors.CodeAlreadyCompleted:
		status = http.StatusConflict
	case code == xerrors.CodeInvalidArgument, code == task.CodeTaskValidation:
		status = http.StatusBadRequest
	}
	detail := ""
	if status == http.StatusInternalServerError {
		detail = err.Error()
	}
	writeError(w, status, err.Error(), detail, string(code))
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("limit: %q", raw)
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("offset: %q", raw)
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(strings.ToLower(part)))
			if !task.IsValidStatus(status) {
				return nil, fmt.Errorf("status: %q", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("type"); raw != "" {
		opts = append(opts, task.WithTypes(strings.Split(raw, ",")...))
	}
	if raw := query.Get("since"); raw != "" {
		since, err := parseUnixParam(raw)
		if err != nil {
			return nil, fmt.Errorf("since: %q", raw)
		}
		opts = append(opts, task.WithUpdatedSince(time.Unix(since, 0)))
	}
	if raw := query.Get("until"); raw != "" {
		until, err := parseUnixParam(raw)
		if err != nil {
			return nil, fmt.Errorf("until: %q", raw)
		}
		opts = append(opts, task.WithUpdatedUntil(time.Unix(until, 0)))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("has_result: %q", raw)
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if raw := query.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, task.WithSortOrder(task.SortByUpdatedDesc))
		default:
			return nil, fmt.Errorf("order: %q", raw)
		}
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

func parseUnixParam(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, detail, code string) {
	body := map[string]any{"error": message}
	if detail != "" {
		body["detail"] = detail
	}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// statusRecorder 捕获响应状态码，供指标中间件使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// corsMiddleware 按配置的来源追加 CORS 头，默认放行所有来源。
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
			continue
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanics 兜底处理器恐慌，返回 500 并记录日志。
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.L().Error("请求处理恐慌",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
				)
				writeError(w, http.StatusInternalServerError, "internal server error", "", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server shutting down", "", "")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
