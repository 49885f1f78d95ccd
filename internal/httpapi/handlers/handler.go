package handlers

import (
	"context"

	"github.com/talentsift/screener/internal/analysis"
	"github.com/talentsift/screener/internal/config"
)

type Handler struct {
	Cfg  config.Config
	Svc  *analysis.Service
	Bulk *analysis.Coordinator

	// runCtx outlives individual requests; bulk fan-out goroutines run on
	// it so server shutdown cancels them cooperatively.
	runCtx context.Context
}

func NewHandler(runCtx context.Context, cfg config.Config, svc *analysis.Service, bulk *analysis.Coordinator) *Handler {
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Handler{
		Cfg:    cfg,
		Svc:    svc,
		Bulk:   bulk,
		runCtx: runCtx,
	}
}
