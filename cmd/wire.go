package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/agents/assistant"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	llmx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/llm"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/notify"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/shop"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/tool"
	configx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/config"
	databasex "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/database"
	qstashx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/qstash"
)

const (
	sessionBackendMemory  = "memory"
	sessionBackendUpstash = "upstash"
	sessionBackendRedis   = "redis"
)

type SessionConfig struct {
	Backend string `split_words:"true" default:"memory"`
}

type ShopConfig struct {
	DeliveryDays   int           `split_words:"true" default:"5"`
	TxMaxTries     uint          `split_words:"true" default:"5"`
	TxRetryBackoff time.Duration `split_words:"true" default:"20ms"`
	SeedOnStart    bool          `split_words:"true" default:"true"`
}

type app struct {
	db           *bun.DB
	orchestrator *orchestrator.Orchestrator
	closers      []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

// buildApp wires storage, the action registry, the model adapter and the orchestrator
// from environment configuration.
func buildApp(ctx context.Context) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dbCfg, err := configx.New[databasex.Config]("DATABASE")
	if err != nil {
		return nil, err
	}
	shopCfg, err := configx.New[ShopConfig]("SHOP")
	if err != nil {
		return nil, err
	}
	llmCfg, err := configx.New[llmx.Config]("OPENROUTER")
	if err != nil {
		return nil, err
	}
	orchCfg, err := configx.New[orchestrator.Config]("ORCHESTRATOR")
	if err != nil {
		return nil, err
	}

	a.db, err = databasex.Open(ctx, *dbCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	if shopCfg.SeedOnStart {
		if err := shop.CreateSchema(ctx, a.db); err != nil {
			return nil, err
		}
		n, err := shop.Seed(ctx, a.db)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Info().Int("products", n).Msg("catalog seeded")
		}
	}

	registry, err := tool.NewShopRegistry(
		shop.NewCatalog(a.db),
		shop.NewCartManager(a.db, shop.WithTxRetry(shopCfg.TxMaxTries, shopCfg.TxRetryBackoff)),
		tool.WithDeliveryDays(shopCfg.DeliveryDays),
	)
	if err != nil {
		return nil, err
	}

	model, err := assistant.New(ctx, *llmCfg, registry)
	if err != nil {
		return nil, err
	}

	store, err := openSessionStore(ctx, a)
	if err != nil {
		return nil, err
	}

	notifier, err := openNotifier()
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = orchestrator.New(store, model, registry, notifier, *orchCfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openSessionStore(ctx context.Context, a *app) (statex.Store, error) {
	sessCfg, err := configx.New[SessionConfig]("SESSION")
	if err != nil {
		return nil, err
	}

	backend := strings.ToLower(strings.TrimSpace(sessCfg.Backend))
	log.Info().Str("backend", backend).Msg("opening session store")

	switch backend {
	case sessionBackendMemory, "":
		return statex.NewMemoryStore(), nil
	case sessionBackendUpstash:
		cfg, err := configx.New[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		if err != nil {
			return nil, err
		}
		return statex.NewUpstashRedisStore(*cfg)
	case sessionBackendRedis:
		cfg, err := configx.New[statex.RedisConfig]("REDIS")
		if err != nil {
			return nil, err
		}
		store := statex.NewRedisStore(*cfg)
		a.closers = append(a.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", sessCfg.Backend)
	}
}

// openNotifier returns nil when QStash is not configured.
func openNotifier() (contractx.DecisionNotifier, error) {
	if strings.TrimSpace(os.Getenv("QSTASH_TOKEN")) == "" {
		return nil, nil
	}
	cfg, err := configx.New[qstashx.Config]("QSTASH")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Destination) == "" {
		return nil, errors.New("QSTASH_DESTINATION is required when QSTASH_TOKEN is set")
	}
	client, err := qstashx.NewClient(*cfg)
	if err != nil {
		return nil, err
	}
	return notify.NewApprovalNotifier(client, cfg.Destination)
}
