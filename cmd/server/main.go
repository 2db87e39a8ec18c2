// cmd/server/main.go
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

	"github.com/unclebandit/campaign-scheduler/internal/bootstrap"
	"github.com/unclebandit/campaign-scheduler/internal/config"
	"github.com/unclebandit/campaign-scheduler/internal/controller"
	"github.com/unclebandit/campaign-scheduler/internal/handler"
	"github.com/unclebandit/campaign-scheduler/internal/logger"
	"github.com/unclebandit/campaign-scheduler/internal/queue"
	"github.com/unclebandit/campaign-scheduler/internal/runner"
	"github.com/unclebandit/campaign-scheduler/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer logr.Sync()
	zap.ReplaceGlobals(logr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	comps, err := bootstrap.Open(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer comps.Close()

	var (
		runners service.RunnerControl
		manager *runner.Manager
	)
	if cfg.Runner.Mode == "remote" {
		q, err := comps.ControlQueue()
		if err != nil {
			return err
		}
		runners = queue.NewControlPublisher(q, cfg.RabbitMQ.ControlQueue, logr)
		logr.Info("runners delegated to workers", zap.String("queue", cfg.RabbitMQ.ControlQueue))
	} else {
		manager = comps.NewManager()
		runners = manager
	}

	svc := comps.Service(runners)
	if manager != nil {
		if err := comps.StartManager(ctx, manager, svc); err != nil {
			return err
		}
	}

	ctrl := &controller.CampaignController{CampaignService: svc, Log: logr}
	h := handler.NewCampaignHandler(svc, comps.Feed, logr)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           controller.NewRouter(ctrl, h, cfg.API, logr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server running", zap.String("addr", cfg.Server.Addr), zap.String("runner_mode", cfg.Runner.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.DispatchTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown", zap.Error(err))
	}
	if manager != nil {
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logr.Warn("runner shutdown", zap.Error(err))
		}
	}
	return nil
}
