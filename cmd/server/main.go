package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/config"
	"github.com/payfabric/backend/internal/escrow"
	"github.com/payfabric/backend/internal/events"
	"github.com/payfabric/backend/internal/handlers"
	"github.com/payfabric/backend/internal/identity"
	"github.com/payfabric/backend/internal/middleware"
	"github.com/payfabric/backend/internal/oracle"
	"github.com/payfabric/backend/internal/orchestrator"
	"github.com/payfabric/backend/internal/registry"
	"github.com/payfabric/backend/internal/store"
	"github.com/payfabric/backend/internal/wallet"
	"github.com/payfabric/backend/internal/webhooks"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Entity store: Redis when configured, in-memory otherwise.
	var entities store.Store = store.NewMemoryStore()
	var redisStore *store.RedisStore
	if cfg.Store.RedisAddr != "" {
		redisStore, err = store.NewRedisStore(cfg.Store.RedisAddr, "fabric:")
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisStore.Ping(ctx); err != nil {
			log.Fatalf("redis: %v", err)
		}
		cancel()
		entities = redisStore
		log.Printf("entity store: redis at %s", cfg.Store.RedisAddr)
	} else {
		log.Printf("entity store: in-memory")
	}

	// Transaction log: Postgres write-ahead when configured.
	var txlog store.TxLog = store.NewMemoryLog()
	var pglog *store.PostgresLog
	if cfg.Store.PostgresURL != "" {
		pglog, err = store.NewPostgresLog(cfg.Store.PostgresURL)
		if err != nil {
			log.Fatalf("postgres log: %v", err)
		}
		txlog = pglog
		log.Printf("transaction log: postgres")
	} else {
		log.Printf("transaction log: in-memory")
	}

	// One actor runtime per entity kind. Calls nest strictly
	// task -> escrow -> wallet, so cross-runtime waits cannot cycle.
	agentActors := actor.NewRuntime(0)
	walletActors := actor.NewRuntime(0)
	escrowActors := actor.NewRuntime(0)
	taskActors := actor.NewRuntime(0)
	taskTimers := actor.NewTimerWheel(taskActors)

	bus := events.NewBus("payfabric-api")
	wsHub := events.NewWSHub(bus)

	agents := identity.NewService(entities, agentActors, cfg.Server.Env)
	settlement := wallet.NewLoggingDriver()
	ledger := wallet.NewLedger(entities, walletActors, settlement)
	engine := escrow.NewEngine(entities, ledger, escrowActors, bus)
	reg := registry.New(entities)
	oracleClient := oracle.NewClient(cfg.Oracle.URL, cfg.Oracle.APIKey)

	feeWalletID := bootstrapFeeWallet(cfg, agents, ledger)

	orc := orchestrator.NewService(orchestrator.Config{
		PlatformFeePercent: cfg.Fees.PlatformFeePercent,
		FeeWalletID:        feeWalletID,
		BufferPercent:      cfg.Escrow.BufferPercentage,
		DefaultTimeout:     time.Duration(cfg.Escrow.TimeoutMinutes) * time.Minute,
	}, entities, txlog, taskActors, taskTimers, agents, ledger, engine, reg, oracleClient, bus)

	reconciler := escrow.NewReconciler(engine, entities, ledger, time.Minute)
	reconciler.Start()

	hookRegistry := webhooks.NewRegistry()
	hookDispatcher := webhooks.NewDispatcher(hookRegistry, 4)
	hookDispatcher.Attach(bus)

	auth := middleware.NewAuth(agents)
	limiter := middleware.NewRateLimiter(
		middleware.Limits{MinutePerKey: cfg.RateLimit.MinuteLimit, DayPerKey: cfg.RateLimit.DailyLimit},
		middleware.Limits{MinutePerKey: cfg.RateLimit.AdminMinuteLimit, DayPerKey: cfg.RateLimit.AdminDailyLimit},
		entities,
	)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy", "service": "payfabric-api"}
		if redisStore != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			if err := redisStore.Ping(ctx); err != nil {
				status["redis"] = "error"
				status["status"] = "degraded"
			} else {
				status["redis"] = "connected"
			}
			cancel()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Websocket upgrades bypass the wrapping middlewares.
	router.HandleFunc("/ws/events", wsHub.Handler)

	// Operator surfaces run on the admin rate tier. Registered before the
	// general subrouter so /escrow/deadletter is not captured by the
	// /escrow/{id} pattern.
	admin := router.PathPrefix("/api/v1").Subrouter()
	admin.Use(middleware.CORS, middleware.RequestID, middleware.Logging)
	admin.Use(func(next http.Handler) http.Handler { return auth.Optional(next) })
	admin.Use(limiter.AdminMiddleware)
	admin.HandleFunc("/tasks/{id}/log", handlers.GetTaskLog(orc)).Methods("GET")
	admin.HandleFunc("/escrow/deadletter", handlers.EscrowDeadLetters(engine)).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.CORS, middleware.RequestID, middleware.Logging)
	api.Use(func(next http.Handler) http.Handler { return auth.Optional(next) })
	api.Use(limiter.Middleware)

	requireAuth := func(h http.HandlerFunc) http.Handler { return auth.Require(h) }

	// Agents.
	api.HandleFunc("/agents", handlers.CreateAgent(agents, ledger)).Methods("POST")
	api.HandleFunc("/agents/{id}", handlers.GetAgent(agents)).Methods("GET")
	api.HandleFunc("/agents/{id}/wallet", handlers.GetAgentWallet(ledger)).Methods("GET")

	// Tasks.
	api.Handle("/tasks", requireAuth(handlers.CreateTask(orc))).Methods("POST")
	api.HandleFunc("/tasks/{id}", handlers.GetTask(orc)).Methods("GET")
	api.Handle("/tasks/{id}/accept", requireAuth(handlers.AcceptTask(orc))).Methods("POST")
	api.Handle("/tasks/{id}/complete", requireAuth(handlers.CompleteTask(orc))).Methods("POST")
	api.Handle("/tasks/{id}/cancel", requireAuth(handlers.CancelTask(orc))).Methods("POST")

	// Escrow.
	api.HandleFunc("/escrow/{id}", handlers.GetEscrow(engine)).Methods("GET")
	api.Handle("/escrow/release", requireAuth(handlers.ReleaseEscrow(engine, ledger, feeWalletID))).Methods("POST")

	// Tools.
	api.Handle("/tools", requireAuth(handlers.RegisterTool(reg))).Methods("POST")
	api.HandleFunc("/tools", handlers.ListTools(reg)).Methods("GET")
	api.HandleFunc("/tools/{name}", handlers.GetTool(reg)).Methods("GET")
	api.Handle("/tools/{name}", requireAuth(handlers.DeleteTool(reg))).Methods("DELETE")

	// Webhooks.
	api.Handle("/webhooks", requireAuth(handlers.RegisterWebhook(hookRegistry))).Methods("POST")
	api.Handle("/webhooks", requireAuth(handlers.ListWebhooks(hookRegistry))).Methods("GET")
	api.Handle("/webhooks/{id}", requireAuth(handlers.DeleteWebhook(hookRegistry))).Methods("DELETE")

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutdown signal received, draining...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)

		reconciler.Stop()
		hookDispatcher.Shutdown()
		taskTimers.Stop()
		settlement.Flush(ctx)
		taskActors.Shutdown(10 * time.Second)
		escrowActors.Shutdown(10 * time.Second)
		walletActors.Shutdown(10 * time.Second)
		agentActors.Shutdown(10 * time.Second)
		if pglog != nil {
			pglog.Close()
		}
		if redisStore != nil {
			redisStore.Close()
		}
	}()

	log.Printf("payfabric API listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}

// bootstrapFeeWallet resolves the platform fee wallet, creating a platform
// agent and wallet when none is configured.
func bootstrapFeeWallet(cfg *config.Config, agents *identity.Service, ledger *wallet.Ledger) string {
	if cfg.Fees.FeeWalletID != "" {
		return cfg.Fees.FeeWalletID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent, _, err := agents.CreateAgent(ctx, "platform-fees", "platform", "platform fee collection", nil)
	if err != nil {
		log.Fatalf("bootstrap fee agent: %v", err)
	}
	wlt, err := ledger.CreateWallet(ctx, agent.AgentID, wallet.TypeCustodial)
	if err != nil {
		log.Fatalf("bootstrap fee wallet: %v", err)
	}
	log.Printf("fee wallet bootstrapped: %s (agent %s)", wlt.WalletID, agent.AgentID)
	return wlt.WalletID
}
