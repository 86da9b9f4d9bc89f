// Package database coordinates the pool's stores: members and the reward
// ledger in PostgreSQL, the challenge cache and rate limits in Redis, and
// metrics in InfluxDB.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bardlex/orepool/internal/aggregator"
	"github.com/bardlex/orepool/internal/database/influx"
	"github.com/bardlex/orepool/internal/database/postgres"
	"github.com/bardlex/orepool/internal/database/redis"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/pkg/circuit"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

// Manager coordinates operations across PostgreSQL, Redis and InfluxDB.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Members *postgres.MemberRepository
	Rounds  *postgres.RoundRepository

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for all stores.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every store and applies the schema. Connections
// opened before a failure are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	if err := pgClient.EnsureSchema(ctx); err != nil {
		return nil, cleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_schema",
			"failed to apply schema"), pgClient.Close)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, cleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database"), pgClient.Close)
	}

	influxClient, err := influx.NewClient(cfg.Influx, logger)
	if err != nil {
		return nil, cleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database"), pgClient.Close, redisClient.Close)
	}

	cbConfig := &circuit.Config{
		Name:            "postgres",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   circuit.LogTransitions(logger.WithComponent("database")),
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Members:        postgres.NewMemberRepository(pgClient.DB()),
		Rounds:         postgres.NewRoundRepository(pgClient.DB()),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
		logger:         logger.WithComponent("database"),
	}, nil
}

func cleanup(cause error, closers ...func() error) error {
	result := multierror.Append(nil, cause)
	for _, c := range closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes all connections and reports every failure.
func (m *Manager) Close() error {
	var result *multierror.Error

	if err := m.Postgres.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("postgres close: %w", err))
	}
	if err := m.Redis.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("redis close: %w", err))
	}
	m.Influx.Close()

	return result.ErrorOrNil()
}

// Health checks every store and reports every failure.
func (m *Manager) Health(ctx context.Context) error {
	var result *multierror.Error

	if err := m.Postgres.Health(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("postgres: %w", err))
	}
	if err := m.Redis.Health(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("redis: %w", err))
	}
	if err := m.Influx.Health(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("influx: %w", err))
	}

	return result.ErrorOrNil()
}

// GetByAuthority looks up a member. Unknown authorities do not count
// against the breaker.
func (m *Manager) GetByAuthority(ctx context.Context, authority pool.Pubkey) (*pool.Member, error) {
	member, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (*pool.Member, error) {
		found, err := retry.DoWithResult(ctx, m.retryConfig, func() (*pool.Member, error) {
			return m.Members.GetByAuthority(ctx, authority)
		})
		if stderrors.Is(err, pool.ErrUnknownMember) {
			return nil, nil
		}
		return found, err
	})
	if err == nil && member == nil {
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownMember, authority)
	}
	return member, err
}

// GetOrCreateMember registers a member unless it already exists.
func (m *Manager) GetOrCreateMember(ctx context.Context, member pool.Member) (*pool.Member, error) {
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (*pool.Member, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (*pool.Member, error) {
			return m.Members.GetOrCreateMember(ctx, member)
		})
	})
}

// AllowContribution applies the per-authority contribute rate limit.
func (m *Manager) AllowContribution(ctx context.Context, authority pool.Pubkey, limit int64) (bool, error) {
	return m.Redis.AllowContribution(ctx, authority, limit)
}

// CacheChallenge stores the live challenge in Redis.
func (m *Manager) CacheChallenge(ctx context.Context, ch pool.Challenge) error {
	return m.Redis.SetCurrentChallenge(ctx, ch, 0)
}

// RecordRoundOpened persists the id of a newly opened round.
func (m *Manager) RecordRoundOpened(ctx context.Context, ch pool.Challenge) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Rounds.RecordOpened(ctx, ch); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_round_opened", "failed to record round").
					WithContext("round_id", ch.RoundID)
			}
			return nil
		})
	})
}

// LastRoundID returns the highest round id the ledger has seen. The
// aggregator resumes numbering after it.
func (m *Manager) LastRoundID(ctx context.Context) (uint64, error) {
	return retry.DoWithResult(ctx, m.retryConfig, func() (uint64, error) {
		return m.Rounds.LastRoundID(ctx)
	})
}

// WriteContribution records an accepted contribution metric.
func (m *Manager) WriteContribution(c pool.Contribution) {
	m.Influx.WriteContribution(c)
}

// WriteRejection records a rejection metric.
func (m *Manager) WriteRejection(reason string, at time.Time) {
	m.Influx.WriteRejection(reason, at)
}

// Settlement is the outcome of a drained round.
type Settlement struct {
	Round     *aggregator.ClosedRound
	Plan      *submission.Plan // nil for an empty round
	Signature string
	Submitted bool
}

// SettleRound archives a round, applies its reward deltas and records round
// metrics. Rewards are only credited for a confirmed submission. Each step is
// idempotent per round, so a failed settlement can be replayed.
func (m *Manager) SettleRound(ctx context.Context, s Settlement) error {
	start := time.Now()
	m.Influx.WriteRound(RoundStats(s))
	if s.Plan == nil {
		return nil
	}

	rec, archived := ArchiveRecords(s)
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Rounds.ArchiveRound(ctx, rec, archived); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "archive_round", "failed to archive round").
					WithContext("round_id", rec.RoundID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if !s.Submitted {
		m.logger.WithRound(rec.RoundID).Warn("round archived without rewards", "reason", "submission not confirmed")
		return nil
	}

	var result *multierror.Error
	var credited uint64
	for _, d := range s.Plan.Rewards {
		applied, err := retry.DoWithResult(ctx, m.retryConfig, func() (bool, error) {
			return m.Members.ApplyRewardDelta(ctx, d)
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("member %d: %w", d.MemberID, err))
			continue
		}
		if applied {
			credited += d.Amount
			m.Influx.WriteReward(d, start)
		}
	}

	m.logger.WithRound(rec.RoundID).LogRewardsApplied(rec.RoundID, len(s.Plan.Rewards), credited)
	m.logger.LogDuration("settle_round", time.Since(start))
	return result.ErrorOrNil()
}

// StartPeriodicTasks flushes metrics until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}

// RoundStats summarises a settlement for metrics.
func RoundStats(s Settlement) influx.RoundStats {
	stats := influx.RoundStats{
		RoundID:   s.Round.RoundID(),
		Submitted: s.Submitted,
		ClosedAt:  s.Round.ClosedAt,
		Duration:  s.Round.ClosedAt.Sub(s.Round.Challenge.StartedAt),
	}
	stats.Contributions = len(s.Round.Contributions)
	stats.Members = len(s.Round.ScoresByMember())
	if best, ok := s.Round.BestContribution(); ok {
		stats.BestDifficulty = best.Difficulty
	}
	if s.Round.TotalScore != nil {
		stats.TotalScore, _ = s.Round.TotalScore.Float64()
	}
	if s.Plan != nil {
		stats.Budget = s.Plan.Budget
		stats.PoolFee = s.Plan.PoolFee
	}
	return stats
}

// ArchiveRecords converts a settlement into its archive rows.
func ArchiveRecords(s Settlement) (postgres.RoundRecord, []postgres.ArchivedContribution) {
	p := s.Plan
	rec := postgres.RoundRecord{
		RoundID:        p.RoundID,
		Challenge:      s.Round.Challenge,
		Attestation:    p.Attestation[:],
		BestMemberID:   p.Best.MemberID,
		BestDifficulty: p.Best.Difficulty,
		Contributions:  len(p.Leaves),
		TotalScore:     p.TotalScore.String(),
		Budget:         p.Budget,
		PoolFee:        p.PoolFee,
		Signature:      s.Signature,
		Submitted:      s.Submitted,
		ClosedAt:       s.Round.ClosedAt,
	}

	archived := make([]postgres.ArchivedContribution, len(p.Leaves))
	for i, c := range p.Leaves {
		archived[i] = postgres.ArchivedContribution{
			LeafIndex:    i,
			Contribution: c,
			Leaf:         p.LeafHashes[i],
			Branch:       p.Branches[i],
		}
	}
	return rec, archived
}
