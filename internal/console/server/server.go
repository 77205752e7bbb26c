package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-approvals/internal/console/handler"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers: обработчики бизнес-доменов.
type Handlers struct {
	Approvals *handler.ApprovalHandler // /requests
	Tasks     *handler.TasksHandler    // /v1/tasks
	Auth      *handler.AuthHandler     // /auth/token, nil если логин не настроен

	// Health: проверка зависимостей для /health, nil означает "всегда ок"
	Health func(ctx context.Context) error
}

type ApprovalServer struct {
	router *chi.Mux
	logger *zap.Logger
	h      Handlers

	// Проверка RS256 токенов консоли. nil значит консоль открыта (локальный запуск)
	authValidator auth.TokenValidator
}

func NewApprovalServer(h Handlers, validator auth.TokenValidator, logger *zap.Logger) *ApprovalServer {
	s := &ApprovalServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("http"),
		h:             h,
		authValidator: validator,
	}
	s.routes()
	return s
}

func (s *ApprovalServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	// --- 2. Публичные роуты: прием запросов и ссылки из уведомлений ---
	r.Get("/health", s.health)

	r.Route("/requests", func(r chi.Router) {
		r.Post("/", s.h.Approvals.Create)
		r.Route("/{taskId}", func(r chi.Router) {
			r.Get("/decision", s.h.Approvals.Decide)
			r.Post("/decision", s.h.Approvals.Decide)
			// Статус сбрасывает токен, поэтому только для администратора
			r.With(s.requireScope(domain.ScopeAdmin)...).Post("/status", s.h.Approvals.UpdateStatus)
		})
	})

	if s.h.Auth != nil {
		r.Post("/auth/token", s.h.Auth.Login)
	}

	// --- 3. Консоль оператора (RS256) ---
	if s.h.Tasks == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(s.requireScope(domain.ScopeTasksRead)...)
		r.Route("/v1/tasks", func(r chi.Router) {
			r.Get("/", s.h.Tasks.List)
			r.Get("/{id}", s.h.Tasks.Get)
		})
	})
}

// requireScope: проверка RS256 токена и права. Без валидатора пусто.
func (s *ApprovalServer) requireScope(scope string) []func(http.Handler) http.Handler {
	if s.authValidator == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{
		auth.NewMiddleware(s.authValidator, s.logger),
		auth.RequireScope(scope),
	}
}

func (s *ApprovalServer) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.h.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// accessLog пишет журнал запросов в zap вместо стандартного логгера chi.
func (s *ApprovalServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// ServeHTTP позволяет использовать ApprovalServer как стандартный http.Handler
func (s *ApprovalServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
