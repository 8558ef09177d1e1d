package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/sdu-review-console/internal/console/handler"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router   *chi.Mux
	logger   *zap.Logger
	metrics  *infra.Metrics
	gatherer prometheus.Gatherer

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler   *handler.AuthHandler      // /auth/token
	reviewHandler *handler.ReviewHandler    // /v1/{collection}
	dashHandler   *handler.DashboardHandler // /v1/dashboard/stats
	auditHandler  *handler.AuditHandler     // /v1/audit
}

type Handlers struct {
	Auth      *handler.AuthHandler
	Review    *handler.ReviewHandler
	Dashboard *handler.DashboardHandler
	Audit     *handler.AuditHandler
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями.
// gatherer — откуда /metrics берёт метрики; nil: стандартный реестр.
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	metrics *infra.Metrics,
	gatherer prometheus.Gatherer,
	h Handlers,
) *ConsoleServer {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		metrics:       metrics,
		gatherer:      gatherer,
		authValidator: validator,
		authHandler:   h.Auth,
		reviewHandler: h.Review,
		dashHandler:   h.Dashboard,
		auditHandler:  h.Audit,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(infra.TracingMiddleware)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Dashboard & Stats
		r.Get("/v1/dashboard/stats", s.dashHandler.GetStats)

		// Журнал всех попыток перехода
		r.Get("/v1/audit", s.auditHandler.GetLogs)

		// Очереди проверки: /v1/documents, /v1/rosters, /v1/proposals, ...
		r.Mount("/v1/{collection}", s.reviewHandler.Routes())
	})
}

// observe пишет access-лог в zap и latency в Prometheus.
func (s *ConsoleServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(elapsed.Seconds())

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("trace_id", infra.TraceID(r.Context())),
		)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
