// Package httpapi binds the gateway's HTTP surface to the underlying
// components. Handlers parse, call one orchestration method, and return
// its result; they never implement synthesis logic themselves.
package httpapi

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/klyne-labs/medintel-gateway/internal/audit"
	"github.com/klyne-labs/medintel-gateway/internal/config"
	"github.com/klyne-labs/medintel-gateway/internal/federation"
	"github.com/klyne-labs/medintel-gateway/internal/imaging"
	"github.com/klyne-labs/medintel-gateway/internal/obs"
	"github.com/klyne-labs/medintel-gateway/internal/ratelimit"
	"github.com/klyne-labs/medintel-gateway/internal/security"
	"github.com/klyne-labs/medintel-gateway/internal/session"
	"github.com/klyne-labs/medintel-gateway/internal/toolpool"
)

// Server holds every dependency the HTTP surface needs. It is the
// platform's single composition root for request handling; nothing
// downstream reaches into a package-level singleton.
type Server struct {
	Config       config.Config
	Audit        *audit.Sink
	Security     *security.Service
	Sessions     *session.Store
	RateLimit    *ratelimit.Limiter
	Tools        *toolpool.Pool
	Imaging      *imaging.Pipeline
	Orchestrator *federation.Orchestrator
	Metrics      *obs.Metrics
	Logger       *obs.Logger

	engine    *gin.Engine
	imageMIME atomic.Pointer[map[string]bool]
}

// SetSupportedImageFormats rebuilds the accepted image/* MIME set from a
// list of bare formats (e.g. "png", "jpeg"), such as a fresh
// config.TuningWatcher reload of SUPPORTED_IMAGE_FORMATS. Safe to call
// concurrently with in-flight uploads.
func (s *Server) SetSupportedImageFormats(formats []string) {
	mime := make(map[string]bool, len(formats))
	for _, format := range formats {
		mime["image/"+format] = true
	}
	s.imageMIME.Store(&mime)
}

func (s *Server) allowedImageMIME() map[string]bool {
	if m := s.imageMIME.Load(); m != nil {
		return *m
	}
	return nil
}

// NewServer builds the gin engine and registers every route from the
// endpoint table, wrapped in the fixed middleware chain.
func NewServer(deps Server) *Server {
	s := deps
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("medgateway"))
	engine.Use(s.auditMiddleware())
	engine.Use(s.phiScrubInboundMiddleware())
	engine.Use(s.phiScrubOutboundMiddleware())

	s.SetSupportedImageFormats(s.Config.SupportedImageFormats)
	maxImageBytes := int64(s.Config.MaxImageSizeMB) << 20

	engine.GET("/", s.handleRoot)
	engine.GET("/api/health", s.handleHealth)
	engine.GET("/api/medical/health", s.handleMedicalHealth)

	engine.POST("/api/session", s.rateLimitMiddleware("standard"), s.handleCreateSession)

	protected := engine.Group("/api")
	protected.Use(s.sessionMiddleware())
	{
		protected.GET("/medical/tools", s.rateLimitMiddleware("standard"), s.handleListTools)
		protected.GET("/medical/compliance-report", s.rateLimitMiddleware("standard"), s.handleComplianceReport)

		medical := protected.Group("/medical")
		medical.Use(s.rateLimitMiddleware("medical"))
		medical.POST("/differential-diagnosis", s.handleDifferentialDiagnosis)
		medical.POST("/clinical-trials", s.handleClinicalTrials)
		medical.POST("/drug-interactions", s.handleDrugInteractions)
		medical.POST("/image-analysis", s.uploadValidationMiddleware(maxImageBytes), s.handleImageAnalysis)

		protected.POST("/medical-chat", s.rateLimitMiddleware("medical"), s.handleMedicalChat)
	}

	engine.Any("/api/chat", func(c *gin.Context) {
		c.Redirect(http.StatusPermanentRedirect, "/api/medical-chat")
	})

	s.engine = engine
	return &s
}

// Handler exposes the underlying http.Handler for the composition root
// to mount on an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }
