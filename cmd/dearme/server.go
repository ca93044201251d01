package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/Gowtham-18/DearMe-AI/internal/api"
	"github.com/Gowtham-18/DearMe-AI/internal/config"
	"github.com/Gowtham-18/DearMe-AI/internal/ingest"
	"github.com/Gowtham-18/DearMe-AI/internal/nlp"
	"github.com/Gowtham-18/DearMe-AI/internal/ollama"
	"github.com/Gowtham-18/DearMe-AI/internal/pipeline"
	"github.com/Gowtham-18/DearMe-AI/internal/plan"
	"github.com/Gowtham-18/DearMe-AI/internal/prompts"
	"github.com/Gowtham-18/DearMe-AI/internal/retrieval"
	"github.com/Gowtham-18/DearMe-AI/internal/rewrite"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the DearMe HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show DearMe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the journaling tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// app holds the wired pipeline shared by the HTTP and MCP front ends.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *storage.Store
	nlp         *nlp.Client
	vectors     retrieval.VectorStore
	coordinator *retrieval.Coordinator
	turns       *pipeline.Orchestrator
	prompts     *prompts.Generator
	worker      *ingest.Worker
}

// newApp opens storage and builds every pipeline component from cfg.
// Progress from model pulls is written to progress.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, progress io.Writer) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	vectors, err := newVectorStore(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	nlpClient := nlp.NewClient(cfg.NLP.URL)
	coordinator := retrieval.NewCoordinator(nlpClient, vectors, store, retrieval.Config{
		MatchCount:  cfg.Retrieval.MatchCount,
		RecentCount: cfg.Retrieval.RecentCount,
		Timeout:     cfg.Retrieval.Timeout,
	}, logger)
	planner := plan.NewRequestor(nlpClient, cfg.NLP.PlanTimeout, logger)

	// A nil *rewrite.Rewriter must not reach the orchestrator as a non-nil
	// interface value.
	var rewriter pipeline.Rewriter
	if rw, err := newRewriter(ctx, cfg, logger, progress); err != nil {
		store.Close()
		return nil, err
	} else if rw != nil {
		rewriter = rw
	}

	turns := pipeline.New(store, coordinator, planner, rewriter, pipeline.Config{}, logger)
	generator := prompts.NewGenerator(store, coordinator, nlpClient, cfg.NLP.PlanTimeout, logger)
	worker := ingest.NewWorker(store, nlpClient, vectors, cfg.Ingest.PollInterval, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		nlp:         nlpClient,
		vectors:     vectors,
		coordinator: coordinator,
		turns:       turns,
		prompts:     generator,
		worker:      worker,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing storage", "error", err)
	}
}

// startWorker requeues jobs left running by a previous process and starts
// the ingest worker. The returned wait blocks until the worker exits.
func (a *app) startWorker(ctx context.Context) (wait func()) {
	if n, err := a.store.RequeueRunningJobs(ctx); err != nil {
		a.logger.Warn("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		a.logger.Info("requeued interrupted jobs", "count", n)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.worker.Run(ctx)
	}()
	return wg.Wait
}

func newVectorStore(cfg config.Config, store *storage.Store) (retrieval.VectorStore, error) {
	switch cfg.Retrieval.Backend {
	case "chromem":
		vs, err := retrieval.NewChromemStore(filepath.Join(cfg.Storage.DataDir, "vectors"))
		if err != nil {
			return nil, err
		}
		return vs, nil
	default:
		return retrieval.NewSQLiteStore(store.DB()), nil
	}
}

// newRewriter returns nil when enhanced wording is switched off. A keyed
// provider without a key still yields a Rewriter, one that reports
// missing_key on every call.
func newRewriter(ctx context.Context, cfg config.Config, logger *slog.Logger, progress io.Writer) (*rewrite.Rewriter, error) {
	rc := cfg.Rewrite
	if rc.Provider == "" || rc.Provider == rewrite.ProviderNone {
		return nil, nil
	}

	if rc.Provider == rewrite.ProviderOllama {
		url := rc.BaseURL
		if url == "" {
			url = cfg.Ollama.URL
		}
		if err := ollama.EnsureModel(ctx, ollama.New(url), rc.Model, progress); err != nil {
			// Rewrites will fail and fall back to the plan's own wording.
			logger.Warn("ollama not ready, enhanced wording will fall back", "error", err)
		}
	}

	completer, err := rewrite.NewCompleter(ctx, rewrite.ProviderConfig{
		Provider:  rc.Provider,
		APIKey:    rc.APIKey,
		BaseURL:   rc.BaseURL,
		OllamaURL: cfg.Ollama.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s rewrite provider: %w", rc.Provider, err)
	}
	if completer == nil {
		logger.Warn("rewrite provider has no API key; set DEARME_REWRITE_API_KEY", "provider", rc.Provider)
	}

	temp := float32(rc.Temperature)
	return rewrite.NewRewriter(completer, rewrite.Config{
		Model:       rc.Model,
		MaxTokens:   rc.MaxTokens,
		Temperature: &temp,
		Timeout:     rc.Timeout,
	}, logger), nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting dearme", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewRouter(api.Deps{
		Turns:           a.turns,
		Prompts:         a.prompts,
		Store:           a.store,
		NLP:             a.nlp,
		RewriteProvider: cfg.Rewrite.Provider,
		Token:           cfg.Server.APIToken,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	waitWorker := a.startWorker(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dearme listening", "addr", addr, "retrieval_backend", cfg.Retrieval.Backend, "rewrite_provider", cfg.Rewrite.Provider)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stopWorker()
	waitWorker()
	return err
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	waitWorker := a.startWorker(ctx)
	defer waitWorker()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     a.store,
		Turns:     a.turns,
		Gatherer:  a.coordinator,
		Prompts:   a.prompts,
		UserID:    cfg.MCP.UserID,
		Version:   version,
		RecallMax: a.coordinator.MaxEntries(),
	})
	logger.Info("MCP server started (stdio transport)", "user_id", cfg.MCP.UserID)

	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	stop()
	return nil
}

type healthReport struct {
	Status  string `json:"status"`
	NLP     string `json:"nlp"`
	Rewrite string `json:"rewrite"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := newAPIClientFromConfig(cfg)
	client.httpClient.Timeout = 3 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var h healthReport
		if err := decodeJSON(resp, &h); err != nil {
			printStatus("Server", "error (%v)", err)
		} else {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("NLP service", "%s (%s)", h.NLP, cfg.NLP.URL)
			printStatus("Rewrite", "%s", h.Rewrite)
		}
	}

	if cfg.Rewrite.Provider == rewrite.ProviderOllama {
		oc := ollama.New(cfg.Ollama.URL)
		if oc.IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.URL)
		} else {
			printStatus("Ollama", "not running")
		}
	}

	printStatus("Retrieval", "%s backend, %d similar + %d recent", cfg.Retrieval.Backend, cfg.Retrieval.MatchCount, cfg.Retrieval.RecentCount)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.ConfigFilePath())
	return nil
}
