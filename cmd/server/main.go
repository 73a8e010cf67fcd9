package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/aymanebt/medescrow/internal/api"
	"github.com/aymanebt/medescrow/internal/config"
	"github.com/aymanebt/medescrow/internal/infrastructure/kafka"
	"github.com/aymanebt/medescrow/internal/infrastructure/redis"
	"github.com/aymanebt/medescrow/internal/ledger"
	"github.com/aymanebt/medescrow/internal/observability"
	core "github.com/aymanebt/medescrow/internal/repository/postgres"
	service "github.com/aymanebt/medescrow/internal/services"
	"github.com/aymanebt/medescrow/internal/treasury"
)

func main() {
	cfg := config.Load()

	shutdown := observability.Setup("medescrow")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	accountRepo := core.NewPostgresAccountRepository(db)
	eventRepo := core.NewPostgresEventRepository(db)
	alertRepo := core.NewPostgresAlertRepository(db)
	escrowTreasury := treasury.NewPostgresTreasury(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()
	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	// Rebuild ledger state from the persisted event log before serving.
	sink := service.NewEventSink(producer)
	requestLedger := ledger.New(ledger.SystemClock{}, escrowTreasury, sink)
	events, err := eventRepo.ReplayAll(context.Background())
	if err != nil {
		log.Fatalf("Failed to load ledger events: %v", err)
	}
	if err := requestLedger.Replay(events); err != nil {
		log.Fatalf("Failed to replay ledger events: %v", err)
	}

	svc := service.NewLedgerService(requestLedger, escrowTreasury, accountRepo, eventRepo, alertRepo, redisClient, cfg.JWTSecret)

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	alertConsumer := kafka.NewConsumer(cfg.KafkaBrokers, "ledger-events", "medescrow-alerts", alertRepo)
	go alertConsumer.Consume(consumerCtx)
	defer alertConsumer.Close()
	defer cancelConsumer()

	router := api.SetupRouter(svc, cfg.JWTSecret)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
