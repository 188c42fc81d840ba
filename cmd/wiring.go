package cmd

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/config"
	"github.com/promptops/cursord/internal/history"
	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/orchestrator"
	"github.com/promptops/cursord/internal/review"
	"github.com/promptops/cursord/internal/runner"
)

// stack holds the wired core components shared by serve and run.
type stack struct {
	runner *runner.Runner
	store  memory.Store
	orch   *orchestrator.Orchestrator
	jobs   *history.JobRepository

	db          *sql.DB
	redisClient *redis.Client
}

// buildStack wires runner, memory store, reviewer, orchestrator, and the
// optional job history from a loaded configuration. tracer may be nil; the
// one-shot commands run untraced.
func buildStack(cfg config.Config, tracer trace.Tracer) (*stack, error) {
	s := &stack{
		runner: runner.New(cfg.Runner.MaxConcurrent, cfg.Runner.MaxOutputBytes),
	}

	if cfg.Memory.RedisAddr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Memory.RedisAddr,
			Password: cfg.Memory.RedisPassword,
		})
		s.store = memory.NewRedisStore(s.redisClient, cfg.Memory.TTL())
		log.Info(log.CatMemory, "using redis conversation store", "addr", cfg.Memory.RedisAddr)
	} else {
		s.store = memory.NewCacheStore(cfg.Memory.TTL())
		log.Info(log.CatMemory, "using in-process conversation store")
	}

	env := runner.WorkerEnv(cfg.Worker.Home, debugEnabled())
	reviewer, err := review.New(s.runner, cfg.Worker.CLIPath, cfg.Worker.Model, env)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("creating reviewer: %w", err)
	}

	s.orch = orchestrator.New(s.runner, s.store, reviewer, orchestrator.Options{
		CLIPath:          cfg.Worker.CLIPath,
		Model:            cfg.Worker.Model,
		Env:              env,
		RepositoriesRoot: cfg.RepositoriesRoot,
		HardTimeout:      cfg.Runner.HardTimeout(),
		IdleTimeout:      cfg.Runner.IdleTimeout(),
		IterateTimeout:   cfg.Runner.IterateTimeout(),
		ReviewTimeout:    cfg.Iterate.ReviewTimeout(),
		MaxIterations:    cfg.Iterate.MaxIterations,
		Tracer:           tracer,
	})

	if cfg.HistoryDBPath != "" {
		db, err := history.NewDB(cfg.HistoryDBPath)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("opening job history: %w", err)
		}
		s.db = db
		s.jobs = history.NewJobRepository(db)
		log.Info(log.CatDB, "job history enabled", "path", cfg.HistoryDBPath)
	}

	return s, nil
}

// close releases the stack's external resources.
func (s *stack) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
}
