// Command server is the flow-tracking engine's entrypoint: load config,
// open the database, dial chain adapters, start the durable worker, and
// serve the HTTP/WebSocket API - grounded on the teacher's config.LoadConfig
// / db.InitDB / router.SetupRouter boot sequence.
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

	"github.com/circle-fin/usdc-flow-tracker/internal/chain"
	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/db"
	"github.com/circle-fin/usdc-flow-tracker/internal/events"
	"github.com/circle-fin/usdc-flow-tracker/internal/handlers"
	"github.com/circle-fin/usdc-flow-tracker/internal/queue"
	"github.com/circle-fin/usdc-flow-tracker/internal/repository"
	"github.com/circle-fin/usdc-flow-tracker/internal/router"
	"github.com/circle-fin/usdc-flow-tracker/internal/tracker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("❌ failed to load config: %v", err)
	}
	cfg := config.AppConfig

	db.InitDB()

	registry, err := config.LoadChainRegistry(cfg.Chains.RegistryPath)
	if err != nil {
		log.Fatalf("❌ failed to load chain registry: %v", err)
	}
	pollingCfg, err := config.LoadChainPollingConfig(cfg.Chains.PollingConfigPath)
	if err != nil {
		log.Fatalf("❌ failed to load chain polling config: %v", err)
	}

	evmAdapters, tendermintAdapters, err := buildAdapters(registry)
	if err != nil {
		log.Fatalf("❌ failed to build chain adapters: %v", err)
	}

	flowRepo := repository.NewFlowRepository(db.DB)
	statusLogRepo := repository.NewStatusLogRepository(db.DB)

	bus := events.NewBus()
	supervisor := tracker.NewSupervisor()
	engine := tracker.NewEngine(flowRepo, statusLogRepo, registry, pollingCfg, bus, supervisor, evmAdapters, tendermintAdapters, cfg.Chains.NobleChainID)

	if cfg.Queue.URL == "" {
		log.Fatalf("❌ REDIS_URL (queue backend) is required")
	}
	worker, err := queue.NewWorker(cfg.Queue.URL, flowRepo, engine, supervisor)
	if err != nil {
		log.Fatalf("❌ failed to start queue worker: %v", err)
	}
	defer worker.Close()

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	if err := worker.ResumeUnfinished(workerCtx); err != nil {
		log.Printf("⚠️ failed to resume unfinished flows: %v", err)
	}
	go func() {
		if err := worker.Start(workerCtx); err != nil {
			log.Printf("❌ queue worker stopped: %v", err)
		}
	}()

	flowHandler := handlers.NewFlowHandler(flowRepo, statusLogRepo, registry, worker, bus, supervisor)
	wsHandler := handlers.NewWebSocketHandler(bus)
	r := router.SetupRouter(flowHandler, wsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 usdc-flow-tracker listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("🛑 shutting down")
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ graceful shutdown failed: %v", err)
	}
}

// buildAdapters dials one adapter per chain registry entry, keyed by chain
// id, splitting evm/tendermint chain types into their respective maps per
// the engine's EVMAdapters/TendermintAdapters shape.
func buildAdapters(registry config.ChainRegistry) (map[string]*chain.EVMAdapter, map[string]*chain.TendermintAdapter, error) {
	evmAdapters := make(map[string]*chain.EVMAdapter)
	tendermintAdapters := make(map[string]*chain.TendermintAdapter)

	for chainID, info := range registry {
		if len(info.RPCUrls) == 0 {
			log.Printf("⚠️ chain %s has no rpcUrls configured, skipping adapter", chainID)
			continue
		}
		rpcURL := info.RPCUrls[0]

		switch info.ChainType {
		case config.ChainTypeEVM:
			adapter, err := chain.NewEVMAdapter(chainID, rpcURL)
			if err != nil {
				return nil, nil, fmt.Errorf("evm adapter %s: %w", chainID, err)
			}
			evmAdapters[chainID] = adapter
		case config.ChainTypeTendermint:
			tendermintAdapters[chainID] = chain.NewTendermintAdapter(chainID, rpcURL)
		default:
			log.Printf("⚠️ chain %s has unknown chainType %q, skipping adapter", chainID, info.ChainType)
		}
	}

	return evmAdapters, tendermintAdapters, nil
}
