// Package api implements the thin inbound HTTP surface: batch lifecycle
// operations, queue control, a maintenance recovery trigger, and a
// Prometheus scrape endpoint.
//
// Grounded on the teacher's rest.go echo wiring (APIKeyAuth/StartWithApiKey),
// generalized from a single health-check route into the full set of
// lifecycle endpoints this orchestrator exposes. Authentication/authorization
// is out of scope here, so the routes are registered without APIKeyAuth.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/prodogs/docbatch/batch"
	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/llmclient"
	"github.com/prodogs/docbatch/monitor"
	"github.com/prodogs/docbatch/queue"
	"github.com/prodogs/docbatch/recovery"
	"github.com/prodogs/docbatch/workstore"
)

// Server wires the batch, queue, and recovery services to an echo router.
type Server struct {
	echo      *echo.Echo
	batches   *batch.Service
	processor *queue.Processor
	recovery  *recovery.Service
	catalogDB *catalog.DB
	workDB    *workstore.DB
	llm       *llmclient.Client
	metrics   *monitor.Metrics
	log       *logrus.Entry
}

// New builds the HTTP surface and registers every route.
func New(batches *batch.Service, processor *queue.Processor, recoverySvc *recovery.Service, catalogDB *catalog.DB, workDB *workstore.DB, llm *llmclient.Client, metrics *monitor.Metrics, log *logrus.Entry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{echo: e, batches: batches, processor: processor, recovery: recoverySvc, catalogDB: catalogDB, workDB: workDB, llm: llm, metrics: metrics, log: log}
	s.routes()
	return s
}

// health is the /healthz payload: per-component booleans (§4.9), never a
// bare "ok" string, so a dashboard can tell which store or the LLM RPC is
// the one actually down.
type health struct {
	CatalogStore bool `json:"catalog_store"`
	WorkStore    bool `json:"work_store"`
	LLMReachable bool `json:"llm_reachable"`
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	h := health{
		CatalogStore: s.catalogDB.Ping() == nil,
		WorkStore:    s.workDB.Ping(ctx) == nil,
	}

	conn, err := s.catalogDB.FirstActiveConnection(ctx)
	switch {
	case err == catalog.ErrNotFound:
		h.LLMReachable = true // nothing configured to probe
	case err != nil:
		h.LLMReachable = false
	default:
		h.LLMReachable = s.llm.Reachable(ctx, conn.BaseURL)
	}

	status := http.StatusOK
	if !h.CatalogStore || !h.WorkStore || !h.LLMReachable {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/batches/:id/stage", s.handleStage)
	s.echo.POST("/batches/:id/run", s.handleRun)
	s.echo.POST("/batches/:id/reset", s.handleReset)
	s.echo.GET("/batches/:id/responses", s.handleResponses)

	s.echo.GET("/queue/status", s.handleQueueStatus)
	s.echo.POST("/queue/start/:id", s.handleQueueStart)
	s.echo.POST("/queue/stop", s.handleQueueStop)
	s.echo.POST("/queue/restart/:id", s.handleQueueRestart)

	s.echo.POST("/maintenance/recovery/run", s.handleRecoveryRun)
}

// Start begins serving on the given address. Blocks until the server stops.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
