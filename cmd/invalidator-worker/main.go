package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/clinicore/scheduling-engine/internal/availability"
	"github.com/clinicore/scheduling-engine/internal/config"
	"github.com/clinicore/scheduling-engine/internal/events"
	redisclient "github.com/clinicore/scheduling-engine/internal/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("invalidator-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required for the invalidator worker")
	}

	log.Printf("running invalidator in env=%s topic=%s group=%s", cfg.Env, cfg.KafkaTopic, cfg.KafkaGroupID)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	invalidator := availability.NewInvalidator(availability.NewRedisCache(rdb, cfg.CacheTTL))

	consumer := events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Printf("error closing kafka consumer: %v", err)
		}
	}()

	if err := consumer.Run(rootCtx, invalidator.Handle); err != nil {
		log.Fatalf("consumer error: %v", err)
	}

	log.Println("shutdown signal received, stopping invalidator worker")
}
