package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/talentsift/screener/internal/analysis"
	"github.com/talentsift/screener/internal/config"
	"github.com/talentsift/screener/internal/db"
	"github.com/talentsift/screener/internal/lock"
	"github.com/talentsift/screener/internal/parse"
	"github.com/talentsift/screener/internal/score"
	"github.com/talentsift/screener/internal/store/filestore"
	"github.com/talentsift/screener/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 4
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 4
	}
	if n > 50 {
		return 50
	}
	return n
}

func lockManager(cfg config.Config) lock.Manager {
	switch strings.ToLower(cfg.LockBackend) {
	case "memory":
		return lock.NewMemoryManager()
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return lock.NewRedisManager(rdb)
	}
}

func scorer(cfg config.Config) score.Scorer {
	reg := score.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (score.Scorer, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return score.NewOllamaScorer(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (score.Scorer, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return score.NewOpenRouterScorer(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	s, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("unsupported AI_PROVIDER=%q", cfg.AIProvider)
	}
	return s
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := analysis.NewRepo(gdb)

	locks := lockManager(cfg)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	worker := analysis.NewWorker(analysis.WorkerOptions{
		Repo:           repo,
		Locks:          locks,
		Blobs:          filestore.New(cfg.FileRoot),
		Extractor:      parse.NewHTTPExtractor(cfg.ParserBaseURL),
		Scorer:         scorer(cfg),
		Publisher:      pub,
		MaxAttempts:    cfg.MaxAttempts,
		LockTTL:        cfg.LockTTL,
		ParseTimeout:   cfg.ParseTimeout,
		ScoreTimeout:   cfg.ScoreTimeout,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// crashed-worker recovery sweep
	reclaimer := analysis.NewReclaimer(repo, locks, pub, cfg.LockTTL, cfg.ReclaimInterval, cfg.MaxAttempts)
	go func() {
		if err := reclaimer.Run(ctx); err != nil {
			log.Printf("reclaimer stopped: %v", err)
		}
	}()

	log.Printf("worker started queue=%s concurrency=%d max_attempts=%d lock_ttl=%s",
		cfg.RabbitQueue, concurrency, cfg.MaxAttempts, cfg.LockTTL)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var item analysis.WorkItem
				if err := json.Unmarshal(d.Body, &item); err != nil ||
					item.ApplicantID == "" || item.JobID == "" || item.AttemptNumber <= 0 {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := worker.Handle(ctx, item); err != nil {
					log.Printf("worker=%d item failed applicant=%s job=%s attempt=%d cost=%s err=%v",
						workerID, item.ApplicantID, item.JobID, item.AttemptNumber, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed applicant=%s job=%s err=%v",
						workerID, item.ApplicantID, item.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
