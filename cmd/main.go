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
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/meshforge/mesh2step/internal/cleanup"
	"github.com/meshforge/mesh2step/internal/config"
	"github.com/meshforge/mesh2step/internal/engine"
	"github.com/meshforge/mesh2step/internal/httpapi"
	"github.com/meshforge/mesh2step/internal/jobs"
	"github.com/meshforge/mesh2step/internal/persistence"
	"github.com/meshforge/mesh2step/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	if err := run(cfg); err != nil {
		log.Fatal("Daemon exited: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.Convert.UploadDir, cfg.Convert.ConvertedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	store := persistence.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	supervisor := engine.NewSupervisor(engine.Config{
		Command:     cfg.Convert.Command,
		Script:      cfg.Convert.Script,
		Timeout:     cfg.Convert.Timeout,
		PatternKill: cfg.Convert.PatternKill,
	})

	queue := jobs.NewQueue(jobs.QueueConfig{
		Workers: cfg.Convert.Workers,
		JobTTL:  cfg.Convert.JobTTL,
	}, store, supervisor)
	queue.Start()

	reconciler := cleanup.NewReconciler(cleanup.Config{
		UploadDir:       cfg.Convert.UploadDir,
		ConvertedDir:    cfg.Convert.ConvertedDir,
		CronExpr:        cfg.Cleanup.CronExpr,
		ProcessingGrace: cfg.Cleanup.ProcessingGrace,
	}, store)

	// One sweep at startup, then on the cron schedule.
	reconciler.Run(ctx)
	c := cron.New()
	if _, err := c.AddFunc(cfg.Cleanup.CronExpr, func() {
		reconciler.Run(context.Background())
	}); err != nil {
		return err
	}
	c.Start()

	server := httpapi.NewServer(queue, store, supervisor, reconciler,
		httpapi.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		httpapi.WithArtifactDirs(cfg.Convert.UploadDir, cfg.Convert.ConvertedDir),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP API listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown: %v", err)
		}

		<-c.Stop().Done()
		queue.Stop()
		return nil
	})

	return g.Wait()
}
