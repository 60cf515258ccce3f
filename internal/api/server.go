package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/netroby/scm-manager/internal/auth"
	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/internal/history"
	"github.com/netroby/scm-manager/internal/observability/metrics"
	"github.com/netroby/scm-manager/internal/view"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
	"github.com/netroby/scm-manager/sdk/go/scm"
)

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 500
)

// Plugins 是插件列表视图对外提供的能力。
type Plugins interface {
	Rows() []view.Row
	Loaded() (bool, time.Time)
	Reload(ctx context.Context) error
	Invoke(ctx context.Context, pluginID string, op plugin.Operation) (*plugin.Pending, error)
}

// Repositories 代理仓库标签与 Mercurial 安装信息查询。
type Repositories interface {
	Tags(ctx context.Context, repositoryID string) ([]scm.Tag, error)
	HgInstallations(ctx context.Context, kind string) ([]string, error)
}

// Dependencies 汇总 API 服务需要的组件，除 Plugins 外均可为空。
type Dependencies struct {
	Plugins      Plugins
	History      history.Store
	Repositories Repositories
	Metrics      *metrics.Collector
	// Auth 为空或未配置令牌时 /api/v1 不做认证。
	Auth   *auth.Service
	Logger *slog.Logger
}

// Server 负责暴露插件控制台的 REST 接口。
type Server struct {
	addr   string
	deps   Dependencies
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	lg := deps.Logger
	if lg == nil {
		lg = logger.Named("api")
	}
	return &Server{addr: addr, deps: deps, logger: lg}
}

// Handler 构建完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth.Middleware(auth.DefaultPermissions()))
		}
		s.RegisterRoutes(r)
	})
	return r
}

// RegisterRoutes 在给定路由下注册 v1 接口。
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.handleListPlugins)
		r.Post("/reload", s.handleReloadPlugins)
		r.Post("/{pluginID}/{operation}", s.handleRunOperation)
	})
	r.Get("/operations", s.handleListOperations)
	r.Get("/repositories/{repositoryID}/tags", s.handleListTags)
	r.Get("/config/hg/installations/{kind}", s.handleHgInstallations)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

// operationAccepted 是提交操作后的应答。
type operationAccepted struct {
	OperationID string           `json:"operation_id"`
	Operation   plugin.Operation `json:"operation"`
	PluginID    string           `json:"plugin_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	if loaded, _ := s.deps.Plugins.Loaded(); !loaded {
		if err := s.deps.Plugins.Reload(r.Context()); err != nil {
			s.writeError(w, r, upstreamError(err))
			return
		}
	}
	render.JSON(w, r, s.deps.Plugins.Rows())
}

func (s *Server) handleReloadPlugins(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Plugins.Reload(r.Context()); err != nil {
		s.writeError(w, r, upstreamError(err))
		return
	}
	render.JSON(w, r, s.deps.Plugins.Rows())
}

func (s *Server) handleRunOperation(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	op, ok := plugin.ParseOperation(chi.URLParam(r, "operation"))
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "unknown operation "+chi.URLParam(r, "operation")))
		return
	}
	if loaded, _ := s.deps.Plugins.Loaded(); !loaded {
		if err := s.deps.Plugins.Reload(r.Context()); err != nil {
			s.writeError(w, r, upstreamError(err))
			return
		}
	}

	pending, err := s.deps.Plugins.Invoke(r.Context(), pluginID, op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("已提交插件操作",
		slog.String("operation_id", pending.ID),
		slog.String("operation", string(op)),
		slog.String("plugin_id", pluginID))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, operationAccepted{OperationID: pending.ID, Operation: pending.Operation, PluginID: pending.PluginID})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeHistoryStoreFailure, "operation history is disabled"))
		return
	}
	limit := defaultOperationsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxOperationsLimit)
	}

	entries, err := s.deps.History.List(r.Context(), history.Filter{
		PluginID: r.URL.Query().Get("plugin_id"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	render.JSON(w, r, entries)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repositories == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "repository data is not available"))
		return
	}
	tags, err := s.deps.Repositories.Tags(r.Context(), chi.URLParam(r, "repositoryID"))
	if err != nil {
		s.writeError(w, r, upstreamError(err))
		return
	}
	if tags == nil {
		tags = []scm.Tag{}
	}
	render.JSON(w, r, map[string][]scm.Tag{"tag": tags})
}

func (s *Server) handleHgInstallations(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if kind != scm.InstallationHg && kind != scm.InstallationPython {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "kind must be hg or python"))
		return
	}
	if s.deps.Repositories == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "repository data is not available"))
		return
	}
	paths, err := s.deps.Repositories.HgInstallations(r.Context(), kind)
	if err != nil {
		s.writeError(w, r, upstreamError(err))
		return
	}
	if paths == nil {
		paths = []string{}
	}
	render.JSON(w, r, map[string][]string{"path": paths})
}

// upstreamError 为 SCM 服务端返回的错误打上错误码：有状态码的视为服务端失败，
// 否则视为网络失败。
func upstreamError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if status := plugin.StatusCode(err); status > 0 {
		return xerrors.Wrap(xerrors.CodePluginServerFailure, err, "",
			xerrors.WithMetadata("status_code", strconv.Itoa(status)))
	}
	return xerrors.Wrap(xerrors.CodePluginTransportFailure, err, "")
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodePluginNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodePluginInvalidTransition:
		return http.StatusConflict
	case xerrors.CodePluginServerFailure, xerrors.CodePluginTransportFailure:
		return http.StatusBadGateway
	case xerrors.CodeHistoryStoreFailure, xerrors.CodeStorageFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	body := map[string]string{"error": err.Error(), "code": string(code)}
	if coded, ok := xerrors.From(err); ok {
		for k, v := range coded.Metadata() {
			if _, exists := body[k]; !exists {
				body[k] = v
			}
		}
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
