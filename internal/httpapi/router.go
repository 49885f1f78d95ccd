package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/talentsift/screener/internal/common"
	"github.com/talentsift/screener/internal/httpapi/handlers"
	"github.com/talentsift/screener/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// single analysis
	r.POST("/analyses", h.InitiateAnalysis)
	r.GET("/analyses/:id", h.GetAnalysis)
	r.GET("/jobs/:job_id/applicants/:applicant_id/analysis", h.GetPairAnalysis)

	// bulk fan-out
	r.POST("/jobs/:job_id/analyses/bulk", h.InitiateBulk)
	r.GET("/bulk-runs/:id", h.GetBulkRun)
	r.POST("/bulk-runs/:id/cancel", h.CancelBulkRun)

	return r
}
