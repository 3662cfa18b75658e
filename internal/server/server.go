package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glucoloop/loopcore/internal/audit"
	auditdomain "github.com/glucoloop/loopcore/internal/audit/domain"
	"github.com/glucoloop/loopcore/internal/config"
	"github.com/glucoloop/loopcore/internal/constraints"
	"github.com/glucoloop/loopcore/internal/observability"
	obslogger "github.com/glucoloop/loopcore/internal/observability/logger"
	"github.com/glucoloop/loopcore/internal/peersync"
	"github.com/glucoloop/loopcore/internal/pump"
	"github.com/glucoloop/loopcore/internal/reconcile"
	"github.com/glucoloop/loopcore/internal/runningmode"
	runningmodesvc "github.com/glucoloop/loopcore/internal/runningmode/service"
	"github.com/glucoloop/loopcore/internal/treatment"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	treatment.Module,
	constraints.Module,
	pump.Module,
	audit.Module,
	runningmode.Module,
	reconcile.Module,
	peersync.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	modeSvc  *runningmodesvc.Service
	syncer   *peersync.Applier
	pump     *pump.StatusProbe
	auditSvc auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	ModeSvc  *runningmodesvc.Service
	Syncer   *peersync.Applier
	Pump     *pump.StatusProbe
	AuditSvc auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		modeSvc:  p.ModeSvc,
		syncer:   p.Syncer,
		pump:     p.Pump,
		auditSvc: p.AuditSvc,
	}

	svc.registerModeRoutes()
	svc.registerSyncRoutes()
	svc.registerPumpRoutes()
	svc.registerAuditRoutes()

	return svc
}
