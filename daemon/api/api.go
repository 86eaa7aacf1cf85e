// Package api exposes the daemon's admin/status REST surface on a loopback
// listener: status counters, the manifest registry and a GC trigger, with
// swagger docs and optional bearer-token verification.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/daemon"
	_ "github.com/vrift/vrift/daemon/api/docs"
)

// @title vrift daemon admin API
// @version 1.0
// @description Status and maintenance surface of the vrift daemon.
// @BasePath /api/v1

type server struct {
	d   *daemon.Daemon
	cfg vrift.APIConfig
}

// NewRouter builds the admin router for a running daemon.
func NewRouter(d *daemon.Daemon, cfg vrift.APIConfig) *gin.Engine {
	s := &server{d: d, cfg: cfg}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	v1.Use(s.authMiddleware())
	v1.GET("/status", s.getStatus)
	v1.GET("/manifests", s.getManifests)
	v1.POST("/gc", s.runGC)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))
	return router
}

// Serve runs the admin API until the listener fails; callers run it on its
// own goroutine. Empty listen address disables the surface.
func Serve(d *daemon.Daemon, cfg vrift.APIConfig) error {
	if cfg.Listen == "" {
		return nil
	}
	return NewRouter(d, cfg).Run(cfg.Listen)
}

// GetStatus godoc
// @Summary Daemon status
// @Description Returns version, uptime, open projects and commit counters.
// @Tags Status
// @Produce json
// @Success 200 {object} ipc.StatusInfo
// @Router /status [get]
func (s *server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Status())
}

// GetManifests godoc
// @Summary Registered manifests
// @Description Returns the registry entries keyed by uuid.
// @Tags Manifests
// @Produce json
// @Success 200 {object} map[string]any
// @Router /manifests [get]
func (s *server) getManifests(c *gin.Context) {
	out := make(map[string]any)
	for _, kv := range s.d.Registry().Entries() {
		out[kv.Key] = kv.Value
	}
	c.JSON(http.StatusOK, out)
}

// RunGC godoc
// @Summary Run garbage collection
// @Description Runs a GC pass; pass delete=true to remove orphans, else dry-run.
// @Tags GC
// @Produce json
// @Param delete query bool false "delete orphans instead of reporting"
// @Success 200 {object} ipc.GcReport
// @Failure 500 {object} map[string]string
// @Router /gc [post]
func (s *server) runGC(c *gin.Context) {
	del := c.Query("delete") == "true"
	report, err := s.d.GC(c.Request.Context(), del)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
