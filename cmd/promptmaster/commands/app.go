package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/promptmaster/config"
	"github.com/vnmchuo/promptmaster/internal/credentials"
	"github.com/vnmchuo/promptmaster/internal/orchestrator"
	"github.com/vnmchuo/promptmaster/internal/provider/gemini"
	"github.com/vnmchuo/promptmaster/internal/provider/openrouter"
	"github.com/vnmchuo/promptmaster/pkg/ratelimit"
)

const serviceName = "promptmaster"

// app holds everything built from one Config.
type app struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	rdb   *redis.Client
	pool  *pgxpool.Pool
	store credentials.Store
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	var tokenGate orchestrator.TokenGate
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so a cold Redis must not block start-up.
			log.WithFields(log.Fields{"addr": cfg.RedisAddr, "error": err}).Warn("redis unreachable at start")
		} else {
			log.WithField("addr", cfg.RedisAddr).Info("redis connected")
		}
		store = ratelimit.NewRedisStore(a.rdb)
		tokenGate = ratelimit.NewTokenLimiter(a.rdb, cfg.DefaultRateLimitTPM)
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		a.pool = pool
		if err := pool.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		a.store = credentials.NewPostgresStore(pool)
		log.Info("postgres connected")
	}

	primary := gemini.New(
		gemini.WithModels(cfg.GeminiModels...),
		gemini.WithTimeout(cfg.ProviderTimeout),
	)
	fallback := openrouter.New(
		openrouter.WithModel(cfg.OpenRouterModel),
		openrouter.WithTimeout(cfg.ProviderTimeout),
		openrouter.WithAttribution("", "PromptMaster"),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLimit(orchestrator.ModeImprove, orchestrator.Limit(cfg.ImproveLimit)),
		orchestrator.WithLimit(orchestrator.ModeTeach, orchestrator.Limit(cfg.TeacherLimit)),
		orchestrator.WithPrimaryKeyCheck(gemini.ValidKey),
		orchestrator.WithFallbackModel(cfg.OpenRouterModel),
		orchestrator.WithMaxInputChars(cfg.MaxInputChars),
		orchestrator.WithTracer(otel.Tracer(serviceName)),
	}
	if tokenGate != nil {
		opts = append(opts, orchestrator.WithTokenGate(tokenGate))
	}

	a.orch = orchestrator.New(
		primary,
		fallback,
		ratelimit.NewLimiter(store),
		credentials.NewResolver(credentials.Credentials{
			PrimaryKey:  cfg.GeminiAPIKey,
			FallbackKey: cfg.OpenRouterAPIKey,
		}),
		opts...,
	)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
