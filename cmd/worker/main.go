// cmd/worker runs campaign runners for API servers in remote runner mode.
// It consumes wake/stop commands from the control queue.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/bootstrap"
	"github.com/unclebandit/campaign-scheduler/internal/config"
	"github.com/unclebandit/campaign-scheduler/internal/logger"
	"github.com/unclebandit/campaign-scheduler/internal/queue"
	"github.com/unclebandit/campaign-scheduler/internal/runner"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.Log.Level, cfg.Log.Format).With(zap.String("component", "worker"))
	defer logr.Sync()
	zap.ReplaceGlobals(logr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Open(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("bootstrap", zap.Error(err))
	}
	defer comps.Close()

	q, err := comps.ControlQueue()
	if err != nil {
		logr.Fatal("control queue", zap.Error(err))
	}

	manager := comps.NewManager()
	if err := startWorker(ctx, comps, manager, q, cfg.RabbitMQ.ControlQueue); err != nil {
		logr.Fatal("start worker", zap.Error(err))
	}

	logr.Info("worker running, waiting for commands", zap.String("queue", cfg.RabbitMQ.ControlQueue))
	<-ctx.Done()

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.DispatchTimeout+5*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logr.Warn("runner shutdown", zap.Error(err))
	}
}

// startWorker resumes campaigns left live by a previous run, starts the
// periodic jobs and subscribes the manager to control commands.
func startWorker(ctx context.Context, comps *bootstrap.Components, m *runner.Manager, q queue.Queue, topic string) error {
	if err := comps.StartManager(ctx, m, comps.Service(m)); err != nil {
		return err
	}
	return queue.StartControlSubscriber(q, topic, m, comps.Log)
}
