package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/npc-world/internal/api"
	"github.com/nidhogg/npc-world/internal/config"
	"github.com/nidhogg/npc-world/internal/inference"
	"github.com/nidhogg/npc-world/internal/memory"
	"github.com/nidhogg/npc-world/internal/orchestrator"
	"github.com/nidhogg/npc-world/internal/prompt"
	"github.com/nidhogg/npc-world/internal/provider"
	"github.com/nidhogg/npc-world/internal/store"
	"github.com/nidhogg/npc-world/internal/world"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting NPC World...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/npcworld.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))
	sim := cfg.Simulation

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if sim.NPCProvider != "" {
		router.SetDefault(sim.NPCProvider)
	}
	if sim.GMProvider != "" {
		router.Bind(inference.CallerGM, sim.GMProvider)
	}

	var gw inference.Gateway
	if sim.Scripted {
		gw = offlineGateway()
		logger.Warn("Scripted gateway enabled, no backend will be queried")
	} else {
		gw = inference.NewRouterGateway(router, inference.RouterConfig{
			NPCModel:    sim.NPCModel,
			GMModel:     sim.GMModel,
			Timeout:     sim.QueryTimeout.Std(),
			MaxTokens:   sim.MaxTokens,
			Temperature: sim.Temperature,
		}, logger)
	}

	// Initialize storage
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		Backend:       cfg.Database.Backend,
		DataDir:       sim.DataDir,
		PostgresDSN:   cfg.Database.Postgres.DSN,
		MigrationsDir: cfg.Database.MigrationsDir,
		SQLitePath:    cfg.Database.SQLite.Path,
	}, logger)
	if err != nil {
		logger.Fatal("storage unavailable", zap.String("backend", cfg.Database.Backend), zap.Error(err))
	}
	if seeder, ok := st.(store.Seeder); ok && cfg.Database.SeedFromFiles {
		files, fErr := store.NewFileStore(sim.DataDir, logger)
		if fErr != nil {
			logger.Fatal("open data dir", zap.Error(fErr))
		}
		if _, sErr := store.Seed(ctx, files, seeder, logger); sErr != nil {
			logger.Fatal("seed failed", zap.Error(sErr))
		}
	}

	// World and engine
	state := world.NewState(logger)
	state.SetTranscriptRef(func(id string) string {
		return filepath.Join(sim.DataDir, "contracts", id+".jsonl")
	})
	promptsDir := sim.PromptsDir
	if promptsDir == "" {
		promptsDir = filepath.Join(sim.DataDir, "prompts")
	}
	builder := prompt.NewBuilder(promptsDir, st, logger)
	engine := orchestrator.NewEngine(state, st, gw, builder, orchestrator.Config{
		MaxParallel: sim.MaxParallel,
		Decay: memory.DecayConfig{
			SentimentHalfLife: sim.Decay.SentimentHalfLife,
			BondRate:          sim.Decay.BondRate,
		},
	}, logger)
	engine.SetTranscriptSink(st)

	if _, err := engine.Load(ctx); err != nil {
		logger.Fatal("failed to load characters", zap.Error(err))
	}

	// Initialize Redis publisher
	var pub *orchestrator.RedisPublisher
	if cfg.Database.Redis.URL != "" {
		p, pErr := orchestrator.NewRedisPublisher(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if pErr != nil {
			logger.Warn("Redis unavailable, turns will not be published", zap.Error(pErr))
		} else {
			pub = p
			engine.SetPublisher(pub)
			logger.Info("Redis publisher connected")
		}
	}

	// Initialize Neo4j relation mirror
	var graph *world.RelationGraph
	var relations api.RelationReader
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := world.DialRelationGraph(ctx, cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, relationships will not be mirrored", zap.Error(gErr))
		} else {
			graph = g
			relations = g
			engine.SetRelationMirror(g)
		}
	}

	// World clock
	var clock *world.WorldClock
	if interval := sim.TurnInterval.Std(); interval > 0 {
		clock = world.NewWorldClock(interval, sim.ClockSpeed, logger)
		clock.AddListener(world.NewTurnTicker(interval, 0, func(ctx context.Context) error {
			_, err := engine.ExecuteTurn(ctx)
			return err
		}, logger))
		clock.Start()
		logger.Info("World clock started")
	}

	// Build HTTP handler
	handler := api.NewHandler(engine, st, clock, router, relations, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("NPC World listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down NPC World...")
	if clock != nil {
		clock.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if pub != nil {
		pub.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	st.Close()
	logger.Info("NPC World stopped")
}

// offlineGateway answers every query with a minimal valid reply.
func offlineGateway() *inference.ScriptedGateway {
	return inference.NewScriptedGateway(
		inference.Rule{Contains: "# Memory Update", Reply: `{"self_context":"The day goes on quietly."}`},
		inference.Rule{Caller: inference.CallerGM, Reply: `{"narrative":"The day goes on quietly.","state_changes":[],"contract_updates":[],"next_prompts":{}}`},
		inference.Rule{Reply: `{"character":"npc","thought":"Nothing to do.","action":"wait"}`},
	)
}
