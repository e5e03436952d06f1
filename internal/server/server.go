package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	consentdomain "github.com/smallbiznis/consentflow/internal/consent/domain"
	"github.com/smallbiznis/consentflow/internal/dispatch"
	"github.com/smallbiznis/consentflow/internal/janitor"
	"github.com/smallbiznis/consentflow/internal/reconcile"
	"github.com/smallbiznis/consentflow/internal/registry"
	tenantdomain "github.com/smallbiznis/consentflow/internal/tenant/domain"
	pkgdb "github.com/smallbiznis/consentflow/pkg/db"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke((*Server).RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// requestLogger records one line per request. Health and metrics probes
// are skipped to keep the log readable.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func registerGin(log *zap.Logger) *gin.Engine {
	r := NewEngine()
	r.Use(requestLogger(log))
	return r
}

// Server exposes the pipelines for operators: manual runs and record
// inspection. Scheduled runs go through the scheduler, these endpoints
// exist for incident response and backfills.
type Server struct {
	engine       *gin.Engine
	db           *gorm.DB
	consents     consentdomain.Repository
	tenants      tenantdomain.Repository
	dispatchSvc  *dispatch.Service
	reconcileSvc *reconcile.Service
	janitorSvc   *janitor.Service
	clock        clock.Clock
	node         *snowflake.Node
	log          *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	DB           *gorm.DB
	Consents     consentdomain.Repository
	Tenants      tenantdomain.Repository
	DispatchSvc  *dispatch.Service
	ReconcileSvc *reconcile.Service
	JanitorSvc   *janitor.Service
	Clock        clock.Clock
	Node         *snowflake.Node
	Log          *zap.Logger
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		db:           p.DB,
		consents:     p.Consents,
		tenants:      p.Tenants,
		dispatchSvc:  p.DispatchSvc,
		reconcileSvc: p.ReconcileSvc,
		janitorSvc:   p.JanitorSvc,
		clock:        p.Clock,
		node:         p.Node,
		log:          p.Log.Named("server"),
	}
}

func (s *Server) RegisterRoutes() {
	ops := s.engine.Group("/ops")
	ops.POST("/dispatch/single", s.runDispatchSingle)
	ops.POST("/dispatch/batch", s.runDispatchBatch)
	ops.POST("/reconcile", s.runReconcile)
	ops.POST("/overdue", s.runOverdue)
	ops.GET("/tenants", s.listTenants)

	s.engine.POST("/consents", s.createConsent)
	s.engine.GET("/consents/:id", s.getConsent)
}

func (s *Server) runDispatchSingle(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	stats, err := s.dispatchSvc.RunSingle(c.Request.Context(), limit)
	s.respond(c, stats, err)
}

type batchRunRequest struct {
	BatchSize         int `json:"batchSize"`
	BatchCount        int `json:"batchCount"`
	CheckAfterSeconds int `json:"checkAfterSeconds"`
}

func (s *Server) runDispatchBatch(c *gin.Context) {
	req := batchRunRequest{BatchSize: 100, BatchCount: 1, CheckAfterSeconds: 300}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	stats, err := s.dispatchSvc.RunBatch(c.Request.Context(),
		req.BatchSize, req.BatchCount, time.Duration(req.CheckAfterSeconds)*time.Second)
	s.respond(c, stats, err)
}

func (s *Server) runReconcile(c *gin.Context) {
	batches := intQuery(c, "batches", 20)
	stats, err := s.reconcileSvc.Run(c.Request.Context(), batches)
	s.respond(c, stats, err)
}

func (s *Server) runOverdue(c *gin.Context) {
	stats, err := s.janitorSvc.Run(c.Request.Context())
	s.respond(c, stats, err)
}

type createConsentRequest struct {
	ID            int64  `json:"id"`
	TenantID      int64  `json:"tenantId" binding:"required"`
	Recipient     string `json:"recipient" binding:"required"`
	RecipientType string `json:"recipientType" binding:"required"`
	ConsentType   string `json:"consentType" binding:"required"`
	Status        string `json:"status" binding:"required"`
	Source        string `json:"source"`
	ConsentDate   string `json:"consentDate"`
}

// createConsent queues one consent event for dispatch. Callers may supply
// an explicit id to make backfill replays detectable; a replayed id gets a
// 409 instead of a second pending record.
func (s *Server) createConsent(c *gin.Context) {
	var req createConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := consentdomain.ParseConsentStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.Status})
		return
	}
	consentType := consentdomain.ConsentType(strings.ToUpper(req.ConsentType))
	switch consentType {
	case consentdomain.TypeCall, consentdomain.TypeMessage, consentdomain.TypeEmail:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown consent type " + req.ConsentType})
		return
	}
	recipientType := consentdomain.RecipientType(strings.ToUpper(req.RecipientType))
	switch recipientType {
	case consentdomain.RecipientIndividual, consentdomain.RecipientMerchant:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown recipient type " + req.RecipientType})
		return
	}

	now := s.clock.Now()
	record := &consentdomain.ConsentRecord{
		ID:            s.node.Generate(),
		TenantID:      snowflake.ID(req.TenantID),
		Recipient:     req.Recipient,
		RecipientType: recipientType,
		ConsentType:   consentType,
		Status:        status,
		Source:        req.Source,
		SyncState:     consentdomain.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ID != 0 {
		record.ID = snowflake.ID(req.ID)
	}
	if req.ConsentDate != "" {
		consented, err := registry.ParseConsentDate(req.ConsentDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "consentDate must use layout " + registry.ConsentDateLayout})
			return
		}
		record.ConsentDate = &consented
	}

	if err := s.consents.Create(c.Request.Context(), s.db, record); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "consent already queued", "id": record.ID})
			return
		}
		s.log.Error("create consent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.tenants.ListEnabled(c.Request.Context(), s.db)
	if err != nil {
		s.log.Error("list tenants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

func (s *Server) getConsent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	record, err := s.consents.GetRecord(c.Request.Context(), s.db, snowflake.ID(id))
	if errors.Is(err, consentdomain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		s.log.Error("get consent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// respond maps run outcomes: business failures live inside the stats,
// only infrastructure failures become a 500.
func (s *Server) respond(c *gin.Context, stats consentdomain.RunStats, err error) {
	if err != nil {
		s.log.Error("run failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": stats})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
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
