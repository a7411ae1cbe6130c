package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sparkdate/video-app/internal/matching"
	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/metrics"
)

func main() {
	log.Println("Starting Sparkdate matcher service...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "sparkdate-matcher"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Start matching service over the shared Redis pool.
	svc := matching.NewService(rdb, natsClient, nil)
	if v := os.Getenv("SEARCH_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			log.Fatalf("invalid SEARCH_TIMEOUT_SECONDS: %q", v)
		}
		svc.SetTimeout(time.Duration(secs) * time.Second)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start matching service: %v", err)
	}

	// Metrics endpoint.
	metricsAddr := ":9091"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server failed: %v", err)
		}
	}()

	log.Printf("Sparkdate matcher service running")
	log.Printf("  redis_addr:   %s", redisAddr)
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  metrics_addr: %s", metricsAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	svc.Stop()
	natsClient.Close()
	rdb.Close()
}
