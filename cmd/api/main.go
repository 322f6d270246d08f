package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/config"
	"github.com/inklet-app/diagramchat/backend/internal/generate"
	"github.com/inklet-app/diagramchat/backend/internal/handler"
	"github.com/inklet-app/diagramchat/backend/internal/mermaid"
	"github.com/inklet-app/diagramchat/backend/internal/orchestrator"
	"github.com/inklet-app/diagramchat/backend/internal/preview"
	"github.com/inklet-app/diagramchat/backend/internal/render"
	"github.com/inklet-app/diagramchat/backend/internal/session"
	"github.com/inklet-app/diagramchat/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if !cfg.Generation.Enabled() {
		log.Fatal("GEN_ENDPOINT is required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open conversation store", zap.Error(err))
	}
	defer db.Close()

	sess := session.New()
	hub := preview.NewHub(logger)
	renderer := render.NewRenderer(mermaid.FlowchartConverter{}, hub, logger)
	renderer.OnValid(sess.SetLastValid)
	throttle := render.NewThrottle(render.Config{
		FastDelay:     cfg.Render.FastDelay,
		SlowDelay:     cfg.Render.SlowDelay,
		SlowThreshold: cfg.Render.SlowThreshold,
	}, renderer.Render, mermaid.Validate, logger)

	client := generate.NewClient(cfg.Generation.Endpoint, &http.Client{Timeout: cfg.Generation.Timeout}, logger)
	storeSvc := store.NewService(db, sess, cfg.Store.MaxConversations, logger)
	orch := orchestrator.New(orchestrator.Config{
		MaxPromptLen: cfg.Generation.MaxPromptLen,
	}, sess, client, throttle, renderer, storeSvc, logger)

	router := handler.NewRouter(orch, sess, storeSvc, hub, logger)

	startServer(ctx, cfg.Server, router, func() {
		// Flush the active conversation so an in-progress chat survives a
		// restart.
		orch.Abort()
		storeSvc.SaveActive()
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, onShutdown func()) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("diagramchat backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv, onShutdown); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, onShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		onShutdown()
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
