package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/entitlements/internal/balance/domain"
	balanceservice "github.com/smallbiznis/entitlements/internal/balance/service"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	featuredomain "github.com/smallbiznis/entitlements/internal/feature/domain"
	"github.com/smallbiznis/entitlements/internal/observability"
	obsmiddleware "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	obstracing "github.com/smallbiznis/entitlements/internal/observability/tracing"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Provide(func(e *balanceservice.Engine) BalanceEngine { return e }),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// BalanceEngine is the part of the balance engine the API drives.
type BalanceEngine interface {
	balancedomain.Service
	Refresh(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error)
	Invalidate(ctx context.Context, key customerdomain.Key) error
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	log      *zap.Logger
	balances BalanceEngine
	catalog  featuredomain.Catalog
	limiter  *ratelimit.TrackLimiter
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	Log      *zap.Logger
	Balances BalanceEngine
	Catalog  featuredomain.Catalog
	Limiter  *ratelimit.TrackLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		log:      p.Log.Named("http"),
		balances: p.Balances,
		catalog:  p.Catalog,
		limiter:  p.Limiter,
	}
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.TenantRequired())

	// -------- Balances --------
	api.POST("/balances/track", s.TrackRateLimit(), s.TrackUsage)
	api.POST("/balances/update", s.TrackRateLimit(), s.UpdateBalance)

	// -------- Customers --------
	api.GET("/customers/:customer_id/balances", s.ListCustomerBalances)
	api.DELETE("/customers/:customer_id/snapshot", s.InvalidateSnapshot)
	api.POST("/customers/:customer_id/snapshot/refresh", s.RefreshSnapshot)

	// -------- Features --------
	api.POST("/features", s.CreateFeature)
	api.GET("/features/:feature_id", s.GetFeature)
}
