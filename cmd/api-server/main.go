package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicore/scheduling-engine/internal/api"
	"github.com/clinicore/scheduling-engine/internal/availability"
	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/config"
	"github.com/clinicore/scheduling-engine/internal/db"
	"github.com/clinicore/scheduling-engine/internal/events"
	redisclient "github.com/clinicore/scheduling-engine/internal/redis"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s", cfg.Env, cfg.HTTPPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	// Redis only backs the availability cache; when it is down the read
	// path computes directly, so startup proceeds without it.
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Printf("redis unavailable, serving without availability cache: %v", err)
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf("error closing redis: %v", err)
			}
		}()
		log.Println("connected to Redis")
	}

	var publisher booking.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		log.Printf("publishing change events to topic=%s", cfg.KafkaTopic)
	} else {
		log.Println("KAFKA_BROKERS not set, change events disabled")
	}

	repo := booking.NewPgRepository(pgPool)
	bookingSvc := booking.NewService(repo, publisher,
		booking.WithRetry(cfg.CommitAttempts, cfg.CommitBackoff))

	availOpts := []availability.Option{availability.WithGranularity(cfg.SlotGranularity)}
	if rdb != nil {
		availOpts = append(availOpts, availability.WithCache(availability.NewRedisCache(rdb, cfg.CacheTTL)))
	}
	availSvc := availability.NewService(repo, availOpts...)

	router := api.NewRouter(api.RouterConfig{
		Booking:      bookingSvc,
		Availability: availSvc,
		Directory:    repo,
		PgPool:       pgPool,
		Redis:        rdb,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
