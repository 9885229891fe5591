package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/databases"
	"github.com/nimbuschat/nimbus/pkg/history"
	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/mcp"
	"github.com/nimbuschat/nimbus/pkg/memory"
	"github.com/nimbuschat/nimbus/pkg/orchestrator"
	"github.com/nimbuschat/nimbus/pkg/retrieval"
	"github.com/nimbuschat/nimbus/pkg/server"
	"github.com/nimbuschat/nimbus/pkg/sqlstore"
	"github.com/nimbuschat/nimbus/pkg/tools"
	"github.com/nimbuschat/nimbus/pkg/usage"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	db, dialect, err := sqlstore.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	historyStore, err := history.NewStore(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create history store: %w", err)
	}

	recorder, err := usage.NewRecorder(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create usage recorder: %w", err)
	}

	provider := llms.NewOpenAIProvider(cfg.LLM, llms.WithUsageCallback(recorder.Record))
	embedder := llms.NewOpenAIEmbedder(cfg.Embedder)

	vectors, err := databases.NewFromConfig(cfg.VectorStore)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer vectors.Close()

	memHistory, err := memory.NewHistoryStore(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create memory history: %w", err)
	}
	memStore := memory.NewStore(vectors, embedder, provider, memHistory)

	engine := buildRetrievalEngine(cfg, vectors, embedder, provider)

	creds, err := mcp.NewCredentialStore(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	pool := mcp.NewPool(cfg.MCPServers, creds)

	localTools, err := builtinTools()
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Provider:   provider,
		History:    historyStore,
		Memory:     memStore,
		Retrieval:  engine,
		MCP:        pool,
		LocalTools: localTools,
	})

	srv := server.New(cfg.Server, cfg.Stream, orch, historyStore, recorder)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()

	fmt.Printf("nimbus ready on http://%s\n", cfg.Server.Address())
	fmt.Printf("  Health:     http://%s/healthz\n", cfg.Server.Address())
	fmt.Printf("  Completion: POST http://%s/completion\n", cfg.Server.Address())
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start()
}

// buildRetrievalEngine wires the hybrid retrieval pipeline. The engine takes
// the sole agent's retrieval settings; with several agents the defaults
// apply.
func buildRetrievalEngine(cfg *config.Config, vectors databases.Provider, embedder llms.Embedder, provider llms.Provider) *retrieval.Engine {
	retCfg := config.RetrievalConfig{}
	if agentCfg, ok := cfg.AgentByName(""); ok {
		retCfg = agentCfg.Retrieval
	}
	retCfg.SetDefaults()

	opts := []retrieval.EngineOption{
		retrieval.WithReranker(retrieval.NewLLMReranker(provider, retCfg.RecallBudget)),
	}
	if retCfg.RewriteQueries > 0 {
		opts = append(opts, retrieval.WithRewriter(retrieval.NewQueryRewriter(provider, retCfg.RewriteQueries)))
	}
	return retrieval.NewEngine(retCfg, vectors, embedder, opts...)
}

// currentTimeArgs is the argument shape of the built-in current_time tool.
type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

// builtinTools returns the local tools every agent may enable.
func builtinTools() ([]tools.Tool, error) {
	currentTime, err := tools.NewLocalTool("current_time",
		"Returns the current date and time, optionally in a given timezone.",
		func(ctx context.Context, args currentTimeArgs) (string, error) {
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.Timezone)
				}
				loc = l
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		})
	if err != nil {
		return nil, err
	}
	return []tools.Tool{currentTime}, nil
}
