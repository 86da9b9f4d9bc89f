// Package main runs the pool coordinator: the HTTP API members contribute
// through, and the round driver that submits each round on chain.
package main

import (
	"context"
	"crypto/ed25519"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/orepool/internal/aggregator"
	"github.com/bardlex/orepool/internal/api"
	"github.com/bardlex/orepool/internal/chain"
	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/database"
	"github.com/bardlex/orepool/internal/database/influx"
	"github.com/bardlex/orepool/internal/database/postgres"
	"github.com/bardlex/orepool/internal/database/redis"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/internal/notify"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poolserver",
		"environment", cfg.Environment,
		"http_addr", cfg.HTTPAddr,
		"round_duration", cfg.RoundDuration,
		"expected_pool_size", cfg.ExpectedPoolSize,
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("poolserver failed")
		os.Exit(1)
	}
	logger.Info("poolserver stopped")
}

// app holds every long-lived component so they can be closed together.
type app struct {
	db        *database.Manager
	chain     *chain.Client
	kafka     *messaging.KafkaClient
	announcer *notify.Announcer
	agg       *aggregator.Aggregator
	driver    *RoundDriver
	server    *api.Server
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	a.db.StartPeriodicTasks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.driver.Start(gctx)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	a := &app{}
	var err error

	a.db, err = database.NewManager(ctx, &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     cfg.ValidationWorkers,
			MinIdleConns: 4,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	if a.chain, err = newChainClient(cfg, logger); err != nil {
		return nil, a.fail(err)
	}
	logger.Info("operator loaded",
		"operator", a.chain.Operator().String(),
		"pool", a.chain.Pool().String(),
	)

	lastRoundID, err := a.db.LastRoundID(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	logger.Info("resuming round numbering", "last_round_id", lastRoundID)

	partitioner, err := aggregator.NewSequentialPartitioner(cfg.NonceSpaceSize, cfg.ExpectedPoolSize)
	if err != nil {
		return nil, a.fail(err)
	}
	a.agg, err = aggregator.New(aggregator.Config{
		Partitioner:    partitioner,
		ClosingGrace:   cfg.ClosingGrace,
		InitialRoundID: lastRoundID,
	}, logger)
	if err != nil {
		return nil, a.fail(err)
	}

	programID, err := pool.ParsePubkey(cfg.ProgramID)
	if err != nil {
		return nil, a.fail(fmt.Errorf("POOL_PROGRAM_ID: %w", err))
	}
	builder, err := submission.NewBuilder(submission.Config{
		ProgramID:   programID,
		Pool:        a.chain.Pool(),
		RoundReward: cfg.RoundReward,
		FeeBps:      cfg.FeeBasisPoints(),
	})
	if err != nil {
		return nil, a.fail(err)
	}

	a.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	if a.announcer, err = notify.NewAnnouncer(cfg.ZMQPubAddr, logger); err != nil {
		return nil, a.fail(err)
	}

	a.driver = NewRoundDriver(a.agg, builder, a.chain, a.db, a.announcer, a.kafka, cfg.RoundDuration, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	a.server, err = api.New(api.Config{
		Addr:              cfg.HTTPAddr,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ContributeLimit:   cfg.ContributeLimit,
		MemberCacheSize:   cfg.MemberCacheSize,
		ValidationWorkers: int64(cfg.ValidationWorkers),
	}, api.Deps{
		Aggregator: a.agg,
		Validator:  validation.NewContributionValidator(nil),
		Members:    a.db,
		Registrar:  a.chain,
		Limiter:    a.db,
		Events:     a.kafka,
		Metrics:    a.db,
		Health: []api.HealthCheck{
			{Name: "database", Check: a.db.Health},
			{Name: "chain", Check: a.chain.Health},
		},
	}, logger)
	if err != nil {
		return nil, a.fail(err)
	}

	return a, nil
}

func newChainClient(cfg *config.Config, logger *log.Logger) (*chain.Client, error) {
	seed, err := cfg.OperatorSeed()
	if err != nil {
		return nil, err
	}
	programID, err := pool.ParsePubkey(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("POOL_PROGRAM_ID: %w", err)
	}
	miningProgramID, err := pool.ParsePubkey(cfg.OreProgramID)
	if err != nil {
		return nil, fmt.Errorf("ORE_PROGRAM_ID: %w", err)
	}

	rpc := chain.NewRPCClient(cfg.RPCURL, cfg.Commitment, cfg.RPCTimeout, logger)
	return chain.NewClient(rpc, chain.Config{
		ProgramID:       programID,
		MiningProgramID: miningProgramID,
		Operator:        ed25519.NewKeyFromSeed(seed),
		MinDifficulty:   cfg.ChallengeMinDiff,
		Commitment:      cfg.Commitment,
		ConfirmAttempts: cfg.ConfirmAttempts,
		ConfirmInterval: cfg.ConfirmInterval,
	}, logger)
}

// fail closes whatever was opened before a startup error.
func (a *app) fail(cause error) error {
	result := multierror.Append(nil, cause)
	if err := a.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *app) close() error {
	var result *multierror.Error
	if a.announcer != nil {
		if err := a.announcer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("announcer close: %w", err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("kafka close: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
