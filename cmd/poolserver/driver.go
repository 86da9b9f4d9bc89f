package main

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bardlex/orepool/internal/aggregator"
	"github.com/bardlex/orepool/internal/chain"
	"github.com/bardlex/orepool/internal/database"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/pkg/log"
)

// ChainClient is the part of the chain client the driver uses.
type ChainClient interface {
	GetLatestChallenge(ctx context.Context) (pool.Challenge, error)
	SubmitAttestation(ctx context.Context, batch pool.Pubkey, args program.SubmitArgs) (chain.TransactionResult, error)
}

// Settler persists drained rounds, records opened round ids and caches the
// live challenge.
type Settler interface {
	SettleRound(ctx context.Context, s database.Settlement) error
	RecordRoundOpened(ctx context.Context, ch pool.Challenge) error
	CacheChallenge(ctx context.Context, ch pool.Challenge) error
}

// Announcer broadcasts a new challenge to members.
type Announcer interface {
	Announce(ch pool.Challenge) error
}

// EventPublisher publishes round and reward events.
type EventPublisher interface {
	PublishRound(ctx context.Context, ev *messaging.RoundEvent) error
	PublishRewards(ctx context.Context, deltas []pool.RewardDelta) error
}

// RoundDriver is the single owner of round rotation. Every interval it
// closes the live round, submits its best contribution, opens the next round
// and settles the closed one.
type RoundDriver struct {
	agg       *aggregator.Aggregator
	builder   *submission.Builder
	chain     ChainClient
	store     Settler
	announcer Announcer
	events    EventPublisher
	interval  time.Duration
	logger    *log.Logger
}

// NewRoundDriver creates a driver. store, announcer and events may be nil.
func NewRoundDriver(agg *aggregator.Aggregator, builder *submission.Builder, chainClient ChainClient,
	store Settler, announcer Announcer, events EventPublisher, interval time.Duration, logger *log.Logger) *RoundDriver {
	return &RoundDriver{
		agg:       agg,
		builder:   builder,
		chain:     chainClient,
		store:     store,
		announcer: announcer,
		events:    events,
		interval:  interval,
		logger:    logger.WithComponent("driver"),
	}
}

// Start opens the first round and rotates every interval until ctx is done.
func (d *RoundDriver) Start(ctx context.Context) error {
	d.logger.Info("round driver starting", "interval", d.interval)

	first, err := d.chain.GetLatestChallenge(ctx)
	if err != nil {
		return err
	}
	if err := d.open(ctx, first); err != nil {
		return err
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("round driver stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := d.Rotate(ctx); err != nil {
				d.logger.WithError(err).Error("round rotation failed")
			}
		}
	}
}

// Rotate performs one rotation. A failed submission or settlement is logged
// and never prevents the next round from opening.
func (d *RoundDriver) Rotate(ctx context.Context) error {
	start := time.Now()

	closed, err := d.agg.BeginRotation(ctx)
	if err != nil && !errors.Is(err, pool.ErrNoActiveRound) {
		return err
	}

	var settlements []database.Settlement
	if closed != nil {
		settlements = append(settlements, d.submit(ctx, closed))
	}

	next, err := d.chain.GetLatestChallenge(ctx)
	if err != nil {
		if closed == nil {
			return err
		}
		d.logger.WithError(err).Warn("failed to read next challenge, reusing previous target")
		next = pool.Challenge{Target: closed.Challenge.Target, MinDifficulty: closed.Challenge.MinDifficulty}
	}

	drained, err := d.agg.RotateChallenge(next)
	if err != nil {
		return err
	}
	// Only a rotation racing BeginRotation drains here.
	if drained != nil {
		settlements = append(settlements, d.submit(ctx, drained))
	}

	live, err := d.agg.SnapshotForValidation()
	if err != nil {
		return err
	}
	d.announce(ctx, live)

	for _, s := range settlements {
		d.settle(ctx, s)
	}

	d.logger.LogDuration("rotate", time.Since(start))
	return nil
}

func (d *RoundDriver) open(ctx context.Context, ch pool.Challenge) error {
	if _, err := d.agg.RotateChallenge(ch); err != nil {
		return err
	}
	live, err := d.agg.SnapshotForValidation()
	if err != nil {
		return err
	}
	d.announce(ctx, live)
	return nil
}

// submit builds and sends the attestation of a closed round. A confirmation
// timeout is terminal for the round.
func (d *RoundDriver) submit(ctx context.Context, closed *aggregator.ClosedRound) database.Settlement {
	s := database.Settlement{Round: closed}
	logger := d.logger.WithRound(closed.RoundID())

	plan, ok, err := d.builder.Build(closed)
	if err != nil {
		logger.WithError(err).Error("failed to build submission")
		return s
	}
	if !ok {
		logger.Info("empty round, nothing to submit")
		return s
	}
	s.Plan = plan

	res, err := d.chain.SubmitAttestation(ctx, plan.BatchAddress, plan.Args)
	if err != nil {
		if errors.Is(err, pool.ErrConfirmationTimeout) {
			logger.WithError(err).Error("submission not confirmed, round left for re-drive",
				"attestation", hex.EncodeToString(plan.Attestation[:]))
		} else {
			logger.WithError(err).Error("submission failed")
		}
		return s
	}

	s.Signature = res.Signature.String()
	s.Submitted = true
	logger.LogRoundSubmitted(plan.RoundID, s.Signature, len(plan.Leaves), plan.Best.Difficulty)
	return s
}

func (d *RoundDriver) announce(ctx context.Context, ch pool.Challenge) {
	logger := d.logger.WithRound(ch.RoundID)
	if d.store != nil {
		if err := d.store.RecordRoundOpened(ctx, ch); err != nil {
			logger.WithError(err).Error("failed to record round opening, id may be reissued after a restart")
		}
		if err := d.store.CacheChallenge(ctx, ch); err != nil {
			logger.WithError(err).Warn("failed to cache challenge")
		}
	}
	if d.announcer != nil {
		if err := d.announcer.Announce(ch); err != nil {
			logger.WithError(err).Warn("failed to announce challenge")
		}
	}
	if d.events != nil {
		if err := d.events.PublishRound(ctx, messaging.NewRoundOpenedEvent(ch)); err != nil {
			logger.WithError(err).Warn("failed to publish round event")
		}
	}
}

func (d *RoundDriver) settle(ctx context.Context, s database.Settlement) {
	logger := d.logger.WithRound(s.Round.RoundID())
	if d.store != nil {
		if err := d.store.SettleRound(ctx, s); err != nil {
			logger.WithError(err).Error("failed to settle round")
		}
	}
	if d.events == nil {
		return
	}
	if err := d.events.PublishRound(ctx, settledEvent(s)); err != nil {
		logger.WithError(err).Warn("failed to publish round event")
	}
	if s.Plan != nil && s.Submitted {
		if err := d.events.PublishRewards(ctx, s.Plan.Rewards); err != nil {
			logger.WithError(err).Warn("failed to publish rewards")
		}
	}
}

func settledEvent(s database.Settlement) *messaging.RoundEvent {
	ev := &messaging.RoundEvent{
		RoundID:       s.Round.RoundID(),
		State:         messaging.RoundSettled,
		Target:        s.Round.Challenge.Target,
		MinDifficulty: s.Round.Challenge.MinDifficulty,
		StartedAt:     s.Round.Challenge.StartedAt,
		ClosedAt:      s.Round.ClosedAt,
		Contributions: uint64(len(s.Round.Contributions)),
		Signature:     s.Signature,
		Submitted:     s.Submitted,
	}
	if best, ok := s.Round.BestContribution(); ok {
		ev.BestMemberID = best.MemberID
		ev.BestDifficulty = best.Difficulty
	}
	if s.Plan != nil {
		ev.Attestation = s.Plan.Attestation
		ev.Budget = s.Plan.Budget
		ev.PoolFee = s.Plan.PoolFee
	}
	return ev
}
