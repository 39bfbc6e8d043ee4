package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/haggle/internal/auth"
	"github.com/gosuda/haggle/internal/config"
	"github.com/gosuda/haggle/internal/server"
	"github.com/gosuda/haggle/internal/store/memory"
	"github.com/gosuda/haggle/internal/store/postgres"
	redisstore "github.com/gosuda/haggle/internal/store/redis"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run(args []string) error {
	setupLogging()

	if len(args) > 0 && args[0] == "mint-token" {
		return mintToken(args[1:])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	pubsub, err := openPubSub(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := pubsub.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("close pubsub")
		}
	}()

	srv := server.New(ctx, cfg, store, pubsub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}

// setupLogging initializes structured logging from environment.
func setupLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("HAGGLE_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("HAGGLE_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

type closablePubSub interface {
	server.PubSub
	Close() error
}

// openStore connects to PostgreSQL when a host is configured and falls back
// to the seeded in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.DatabaseConfig) (server.Store, func(), error) {
	if !cfg.Enabled() {
		store := memory.New()
		for _, p := range memory.DemoCatalog() {
			if err := store.Products().Upsert(ctx, p); err != nil {
				return nil, nil, fmt.Errorf("seed catalog: %w", err)
			}
		}
		log.Warn().Msg("HAGGLE_DB_HOST not set, using in-memory store with demo catalog")
		return store, func() {}, nil
	}

	if cfg.MaxConns < 0 || cfg.MaxConns > math.MaxInt32 {
		return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.MaxConns)
	}

	store, err := postgres.New(ctx, cfg.DSN(), int32(cfg.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// openPubSub connects to Redis when an address is configured and falls back
// to the in-process broker otherwise. The fallback only reaches sockets of
// this replica.
func openPubSub(ctx context.Context, cfg *config.RedisConfig) (closablePubSub, error) {
	if cfg.Addr == "" {
		log.Warn().Msg("HAGGLE_REDIS_ADDR not set, using in-process broker")
		return memory.NewPubSub(), nil
	}
	return redisstore.New(ctx, cfg.Addr, cfg.Password, cfg.DB)
}

// mintToken prints a bearer token for a buyer, for local development.
func mintToken(args []string) error {
	flagSet := pflag.NewFlagSet("mint-token", pflag.ContinueOnError)
	buyer := flagSet.String("buyer", "", "buyer id (random when empty)")
	ttl := flagSet.Duration("ttl", 0, "token lifetime (default HAGGLE_JWT_ACCESS_TTL)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	buyerID := uuid.New()
	if *buyer != "" {
		buyerID, err = uuid.Parse(*buyer)
		if err != nil {
			return fmt.Errorf("invalid --buyer: %w", err)
		}
	}
	if *ttl <= 0 {
		*ttl = cfg.JWT.AccessTTL
	}

	token, err := auth.IssueAccessToken(cfg.JWT.Secret, buyerID, *ttl)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "buyer %s\n", buyerID)
	fmt.Println(token)
	return nil
}
