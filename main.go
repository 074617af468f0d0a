package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/assembly"
	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/indexer"
	"github.com/FSTGIAT/call-analytics-sub001/internal/ingest"
	"github.com/FSTGIAT/call-analytics-sub001/internal/mlprocess"
	"github.com/FSTGIAT/call-analytics-sub001/internal/recovery"
	"github.com/FSTGIAT/call-analytics-sub001/internal/router"
	"github.com/FSTGIAT/call-analytics-sub001/internal/service"
	"github.com/FSTGIAT/call-analytics-sub001/internal/store"
	handler "github.com/FSTGIAT/call-analytics-sub001/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting call analytics pipeline...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Bus: %s", cfg.BusKind)
	log.Printf("Local backend: %s", cfg.LocalBackendURL)
	log.Printf("Remote backend: %s", cfg.RemoteBackendURL)

	// Initialize store
	st, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	// Initialize message bus
	var msgBus bus.Bus
	switch cfg.BusKind {
	case "kafka":
		msgBus, err = bus.NewKafka(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("Failed to connect to kafka: %v", err)
		}
	default:
		msgBus = bus.NewMemory(cfg.BusPartitions)
	}
	defer msgBus.Close()

	// Initialize change source
	source, err := ingest.NewSource(cfg.ChangeSourceURL)
	if err != nil {
		log.Fatalf("Failed to open change source: %v", err)
	}
	defer source.Close()

	// Initialize inference router
	local := router.NewOllamaBackend(cfg.LocalBackendURL, cfg.LocalModel, cfg.HebrewModel, cfg.InferenceTimeout)
	remote := router.NewChatBackend(cfg.RemoteBackendURL, cfg.RemoteAPIKey, cfg.RemoteModel, cfg.InferenceTimeout)
	rt := router.New(local, remote, cfg)

	// Initialize outbound clients
	mlClient := mlprocess.NewClient(cfg.MLServiceURL, cfg.MLCallTimeout)
	indexClient := indexer.NewClient(cfg.SearchIndexURL, cfg.MLCallTimeout)

	// Initialize failure classification policy
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	policyEngine, err := recovery.NewPolicyEngine(ctx, recovery.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize consumers
	producer := ingest.NewProducer(source, msgBus, st, cfg)
	assembler := assembly.NewConsumer(msgBus, st, cfg)
	mlConsumer := mlprocess.NewConsumer(msgBus, mlClient, rt, cfg)
	indexConsumer := indexer.NewConsumer(msgBus, indexClient, cfg)
	recoveryConsumer := recovery.NewConsumer(msgBus, st, policyEngine, cfg)

	sup := service.NewSupervisor(producer, assembler, mlConsumer, indexConsumer, recoveryConsumer)
	svc := service.New(cfg, st, sup, assembler, recoveryConsumer, rt, source, indexClient)
	svc.Start(ctx)

	// HTTP server
	server := handler.NewServer(svc)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	log.Printf("Pipeline started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down pipeline...")

	svc.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}

	log.Println("Pipeline stopped")
}
