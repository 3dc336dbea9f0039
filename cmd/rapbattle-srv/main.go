package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bloops-games/rapbattle/internal/arena"
	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/buildinfo"
	"github.com/bloops-games/rapbattle/internal/database"
	battleDb "github.com/bloops-games/rapbattle/internal/database/battle/database"
	voteDb "github.com/bloops-games/rapbattle/internal/database/vote/database"
	"github.com/bloops-games/rapbattle/internal/httpapi"
	"github.com/bloops-games/rapbattle/internal/judge"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/migrate"
	"github.com/bloops-games/rapbattle/internal/presence"
	"github.com/bloops-games/rapbattle/internal/profile"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/bloops-games/rapbattle/internal/reward"
	"github.com/bloops-games/rapbattle/internal/server"
	"github.com/bloops-games/rapbattle/internal/shutdown"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"
)

var version string

type Config struct {
	Debug bool `envconfig:"RAPBATTLE_DEBUG" default:"false"`

	// Port for the REST API, the sockets and the health check
	Port int `envconfig:"RAPBATTLE_PORT" default:"8080"`

	// Number of profiles kept in the read cache
	CacheSize int `envconfig:"RAPBATTLE_CACHE_SIZE" default:"1024"`

	// Allowed websocket origins, comma separated. Empty means same origin only
	OriginPatterns []string `envconfig:"RAPBATTLE_ORIGIN_PATTERNS"`
	SocketBuffer   int      `envconfig:"RAPBATTLE_SOCKET_BUFFER" default:"64"`

	// External judge. The built-in heuristic scores turns when it is not set
	JudgeURL     string        `envconfig:"RAPBATTLE_JUDGE_URL"`
	JudgeToken   string        `envconfig:"RAPBATTLE_JUDGE_TOKEN"`
	JudgeTimeout time.Duration `envconfig:"RAPBATTLE_JUDGE_TIMEOUT" default:"20s"`

	// Profiles and ratings live in postgres when set, in memory otherwise
	PostgresDSN string `envconfig:"RAPBATTLE_POSTGRES_DSN"`

	// Presence status thresholds
	AwayAfter    time.Duration `envconfig:"RAPBATTLE_AWAY_AFTER" default:"2m"`
	OfflineAfter time.Duration `envconfig:"RAPBATTLE_OFFLINE_AFTER" default:"10m"`

	DB    database.Config `envconfig:"RAPBATTLE"`
	Arena arena.Config    `envconfig:"RAPBATTLE"`
}

func main() {
	_ = godotenv.Load()
	_, _ = fmt.Fprint(os.Stdout, buildinfo.Greeting(version))

	ctx, done := shutdown.New()
	defer done()

	config := Config{}
	if err := envconfig.Process("", &config); err != nil {
		logging.DefaultLogger().Fatalf("processing the config: %v", err)
	}

	logger := logging.NewLogger(config.Debug)
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx, config); err != nil {
		logger.Fatalf("main.realMain: %v", err)
	}
}

func realMain(ctx context.Context, config Config) error {
	logger := logging.FromContext(ctx).Named("main.realMain")

	db, err := database.NewFromEnv(ctx, &config.DB)
	if err != nil {
		return fmt.Errorf("new database from env: %w", err)
	}

	defer db.Close(ctx)

	battles, err := battleDb.New(db)
	if err != nil {
		return fmt.Errorf("battle store: %w", err)
	}

	votes, err := voteDb.New(db)
	if err != nil {
		return fmt.Errorf("vote store: %w", err)
	}

	store, closeStore, err := profileStore(ctx, config)
	if err != nil {
		return err
	}

	defer closeStore()

	profiles, err := profile.NewDirectory(store, config.CacheSize)
	if err != nil {
		return fmt.Errorf("profile directory: %w", err)
	}

	outbox, err := reward.NewOutbox(db, profiles)
	if err != nil {
		return fmt.Errorf("reward outbox: %w", err)
	}

	a, err := arena.New(config.Arena, arena.Deps{
		Battles:  battles,
		Votes:    votes,
		Broker:   pubsub.NewBroker(),
		Outbox:   outbox,
		Scorer:   scorer(config),
		Presence: presence.NewTracker(config.AwayAfter, config.OfflineAfter),
		Profiles: profiles,
	})
	if err != nil {
		return fmt.Errorf("arena.New: %w", err)
	}

	srv, err := server.New(config.Port)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}

	api := httpapi.New(a, httpapi.Options{
		OriginPatterns: config.OriginPatterns,
		SocketBuffer:   config.SocketBuffer,
	})

	logger.Infof("listening on %s", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		return srv.ServeHTTPHandler(gctx, api.Routes(gctx, logger))
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

func profileStore(ctx context.Context, config Config) (profile.Store, func(), error) {
	logger := logging.FromContext(ctx).Named("main.profileStore")

	if config.PostgresDSN == "" {
		logger.Warn("no postgres dsn, profiles are kept in memory")
		return profile.NewMemory(), func() {}, nil
	}

	if err := migrate.Up(ctx, config.PostgresDSN); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	pg, err := profile.NewPostgres(ctx, config.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("profile.NewPostgres: %w", err)
	}

	return pg, pg.Close, nil
}

func scorer(config Config) battle.Scorer {
	if config.JudgeURL == "" {
		return judge.Heuristic{TurnDuration: config.Arena.TurnDuration}
	}

	return judge.NewHTTPScorer(config.JudgeURL, config.JudgeToken, config.JudgeTimeout)
}
