package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talentsift/screener/internal/analysis"
	"github.com/talentsift/screener/internal/config"
	"github.com/talentsift/screener/internal/db"
	"github.com/talentsift/screener/internal/httpapi"
	"github.com/talentsift/screener/internal/httpapi/handlers"
	"github.com/talentsift/screener/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&analysis.AnalysisResult{},
		&analysis.Submission{},
		&analysis.JobRequirement{},
		&analysis.BulkRun{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	repo := analysis.NewRepo(gdb)
	svc := analysis.NewService(repo, pub)
	bulk := analysis.NewCoordinator(repo, svc, cfg.BulkMaxInFlight, cfg.BulkPollInterval, cfg.BulkPageSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := handlers.NewHandler(ctx, cfg, svc, bulk)
	router := httpapi.NewRouter(h)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("api listening addr=%s queue=%s", cfg.APIAddr, cfg.RabbitQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
