package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/ptmeter/internal/account"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	"github.com/smallbiznis/ptmeter/internal/admission"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/config"
	"github.com/smallbiznis/ptmeter/internal/dispute"
	disputedomain "github.com/smallbiznis/ptmeter/internal/dispute/domain"
	"github.com/smallbiznis/ptmeter/internal/estimator"
	estimatordomain "github.com/smallbiznis/ptmeter/internal/estimator/domain"
	"github.com/smallbiznis/ptmeter/internal/ledger"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	"github.com/smallbiznis/ptmeter/internal/pricing"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"github.com/smallbiznis/ptmeter/internal/providers/slack"
	"github.com/smallbiznis/ptmeter/internal/ratelimit"
	"github.com/smallbiznis/ptmeter/internal/reconciliation"
	reconciliationdomain "github.com/smallbiznis/ptmeter/internal/reconciliation/domain"
	"github.com/smallbiznis/ptmeter/internal/router"
	routerdomain "github.com/smallbiznis/ptmeter/internal/router/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	ratelimit.Module,
	slack.Module,
	pricing.Module,
	estimator.Module,
	ledger.Module,
	account.Module,
	admission.Module,
	router.Module,
	reconciliation.Module,
	dispute.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	r.GET("/health", health)
	r.GET("/healthz", health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
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
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	accountSvc        accountdomain.Service
	admissionSvc      admissiondomain.Service
	estimatorSvc      estimatordomain.Service
	routerSvc         routerdomain.Service
	ledgerSvc         ledgerdomain.Service
	pricingSvc        pricingdomain.Service
	reconciliationSvc reconciliationdomain.Service
	disputeSvc        disputedomain.Service
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	AccountSvc        accountdomain.Service
	AdmissionSvc      admissiondomain.Service
	EstimatorSvc      estimatordomain.Service
	RouterSvc         routerdomain.Service
	LedgerSvc         ledgerdomain.Service
	PricingSvc        pricingdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	DisputeSvc        disputedomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		db:                p.DB,
		genID:             p.GenID,
		accountSvc:        p.AccountSvc,
		admissionSvc:      p.AdmissionSvc,
		estimatorSvc:      p.EstimatorSvc,
		routerSvc:         p.RouterSvc,
		ledgerSvc:         p.LedgerSvc,
		pricingSvc:        p.PricingSvc,
		reconciliationSvc: p.ReconciliationSvc,
		disputeSvc:        p.DisputeSvc,
	}
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	metering := v1.Group("/metering")
	metering.POST("/estimate", s.EstimateRequestCost)
	metering.POST("/checks", s.CheckAdmission)
	metering.POST("/route", s.RouteModel)
	metering.POST("/consume", s.RecordConsumption)

	accounts := v1.Group("/accounts")
	accounts.POST("", s.CreateAccount)
	accounts.GET("/:user_id", s.GetAccount)
	accounts.POST("/:user_id/topup", s.TopUpAdvanced)
	accounts.POST("/:user_id/reset-cycle", s.TriggerCycleReset)
	accounts.POST("/:user_id/tier", s.ChangeTier)
	accounts.POST("/:user_id/unlock-advanced", s.UnlockAdvanced)
	accounts.GET("/:user_id/ledger", s.ListLedger)
	accounts.GET("/:user_id/replay", s.ReplayLedger)
	accounts.GET("/:user_id/disputes", s.ListDisputes)

	disputes := v1.Group("/disputes")
	disputes.POST("", s.OpenDispute)
	disputes.GET("/:dispute_id", s.GetDispute)
	disputes.POST("/:dispute_id/resolve", s.ResolveDispute)

	prices := v1.Group("/pricing")
	prices.GET("", s.ListModelPrices)
	prices.POST("", s.UpsertModelPrice)

	v1.POST("/revenue", s.RecordRevenue)
	v1.GET("/reconciliation/:date", s.GetReconciliation)
	v1.GET("/mitigations/active", s.GetActiveMitigation)

	jobs := v1.Group("/jobs", s.schedulerAuth())
	jobs.POST("/reconcile", s.TriggerReconcile)

	admin := v1.Group("/admin", s.schedulerAuth())
	admin.POST("/mitigations", s.TriggerMitigation)
}
