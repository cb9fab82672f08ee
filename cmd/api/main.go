package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/config"
	"github.com/mindhaven/backend/internal/handler"
	"github.com/mindhaven/backend/internal/service/ai"
	chatservice "github.com/mindhaven/backend/internal/service/chat"
	memoryservice "github.com/mindhaven/backend/internal/service/memory"
	"github.com/mindhaven/backend/internal/service/risk"
	"github.com/mindhaven/backend/internal/service/sweeper"
	workflowservice "github.com/mindhaven/backend/internal/service/workflow"
	"github.com/mindhaven/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	provider := newProvider(ctx, cfg.AI, logger)

	sessions := chatservice.NewService(st, logger)
	memories := memoryservice.NewService(st)
	analyzer := ai.NewAnalyzer(provider, logger)
	generator := ai.NewGenerator(provider, cfg.Workflow.HistoryLimit, logger)
	monitor := risk.NewMonitor(cfg.Workflow.RiskThreshold, risk.NewLogNotifier(logger), logger)

	orchestrator := workflowservice.NewOrchestrator(sessions, memories, analyzer, generator, monitor, st, workflowservice.Config{
		MaxAttempts:  cfg.Workflow.MaxAttempts,
		CallTimeout:  cfg.Workflow.CallTimeout,
		BackoffBase:  cfg.Workflow.BackoffBase,
		HistoryLimit: cfg.Workflow.HistoryLimit,
	}, logger)

	sweep, err := sweeper.New(st, cfg.Sweeper.IdleTTL, cfg.Sweeper.Schedule, logger)
	if err != nil {
		logger.Fatal("failed to schedule session sweep", zap.Error(err))
	}
	sweep.Start()
	defer sweep.Stop()

	router := handler.NewRouter(sessions, orchestrator)
	startServer(ctx, cfg.Server, router, logger)
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Path == "" {
		logger.Warn("DB_PATH not set, sessions will not survive restarts")
		return store.NewMemory(), nil
	}
	logger.Info("opening sqlite store", zap.String("path", cfg.Path))
	return store.NewSQLite(cfg.Path)
}

// newProvider builds the chat-model-backed provider, or a stub that
// lets the pipeline serve its fallbacks when no model is configured.
func newProvider(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) ai.Provider {
	if !cfg.Enabled() {
		logger.Warn("ark credentials not configured, replies will use the built-in fallback")
		return ai.Unavailable()
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		logger.Error("failed to create chat model, replies will use the built-in fallback", zap.Error(err))
		return ai.Unavailable()
	}

	provider, err := ai.NewChainProvider(ctx, chatModel)
	if err != nil {
		logger.Error("failed to compile provider chain, replies will use the built-in fallback", zap.Error(err))
		return ai.Unavailable()
	}

	logger.Info("chat model initialized", zap.String("model", cfg.Model))
	return provider
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("listening", zap.String("addr", serverCfg.Addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
