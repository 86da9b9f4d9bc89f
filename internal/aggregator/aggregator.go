// Package aggregator owns the live round: its challenge, the nonce allocation
// table and the accepted contributions.
//
// All state transitions happen under a single mutex and never perform I/O.
// Contribution validation runs outside the lock against a challenge snapshot;
// the recording step re-checks the round id and is authoritative.
package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/pkg/log"
)

// Status is the lifecycle state of the live round.
type Status int

const (
	// StatusIdle means no challenge has been installed yet
	StatusIdle Status = iota
	// StatusOpen accepts allocations and contributions
	StatusOpen
	// StatusClosing lets admitted validations finish but admits no new work
	StatusClosing
	// StatusClosed means the round was drained for submission
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures an Aggregator.
type Config struct {
	Partitioner Partitioner
	// ClosingGrace bounds how long BeginRotation waits for admitted validations.
	ClosingGrace time.Duration
	// InitialRoundID is the last round id issued before this process started.
	// The first RotateChallenge opens InitialRoundID+1.
	InitialRoundID uint64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Receipt is the result of recording a contribution.
type Receipt struct {
	Accepted bool
	Score    *big.Int
	Best     bool
}

// RoundStatus is a point-in-time summary of the live round.
type RoundStatus struct {
	RoundID       uint64
	Status        Status
	MinDifficulty uint32
	StartedAt     time.Time
	Allocations   int
	Contributions int
	InFlight      int
}

type roundState struct {
	challenge     pool.Challenge
	status        Status
	allocations   map[uint64]pool.NonceRange
	cursor        uint64
	contributions []pool.Contribution
	seen          map[[pool.SolutionSize]byte]struct{}
	total         *big.Int
	best          int
	inflight      int
	drained       chan struct{}
}

func newRoundState(ch pool.Challenge) roundState {
	return roundState{
		challenge:   ch,
		status:      StatusOpen,
		allocations: make(map[uint64]pool.NonceRange),
		seen:        make(map[[pool.SolutionSize]byte]struct{}),
		total:       new(big.Int),
		best:        -1,
	}
}

// Aggregator serializes every state transition of the live round.
type Aggregator struct {
	partitioner Partitioner
	grace       time.Duration
	now         func() time.Time
	logger      *log.Logger

	// rotation serializes BeginRotation and RotateChallenge callers
	rotation sync.Mutex

	mu          sync.Mutex
	state       roundState
	lastRoundID uint64
}

// New creates an idle Aggregator. RotateChallenge opens the first round.
func New(cfg Config, logger *log.Logger) (*Aggregator, error) {
	if cfg.Partitioner == nil {
		return nil, fmt.Errorf("aggregator requires a partitioner")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Aggregator{
		partitioner: cfg.Partitioner,
		grace:       cfg.ClosingGrace,
		now:         cfg.Now,
		logger:      logger.WithComponent("aggregator"),
		lastRoundID: cfg.InitialRoundID,
	}, nil
}

// RotateChallenge installs next as the live challenge under a new round id.
// The previous round, unless already drained by BeginRotation, is drained and
// returned; the result is nil when there was nothing to drain.
func (a *Aggregator) RotateChallenge(next pool.Challenge) (*ClosedRound, error) {
	if next.MinDifficulty > 256 {
		return nil, fmt.Errorf("min difficulty %d exceeds hash width", next.MinDifficulty)
	}

	a.rotation.Lock()
	defer a.rotation.Unlock()

	a.mu.Lock()
	var closed *ClosedRound
	if a.state.status == StatusOpen || a.state.status == StatusClosing {
		closed = a.drainLocked()
	}

	a.lastRoundID++
	next.RoundID = a.lastRoundID
	if next.StartedAt.IsZero() {
		next.StartedAt = a.now()
	}
	a.state = newRoundState(next)
	a.mu.Unlock()

	a.logger.WithRound(next.RoundID).Info("round opened",
		"min_difficulty", next.MinDifficulty,
		"drained_previous", closed != nil,
	)
	return closed, nil
}

// BeginRotation moves the open round to Closing, waits up to the closing grace
// for admitted validations to record, then drains it. It returns nil when the
// live round was already drained.
func (a *Aggregator) BeginRotation(ctx context.Context) (*ClosedRound, error) {
	a.rotation.Lock()
	defer a.rotation.Unlock()

	a.mu.Lock()
	switch a.state.status {
	case StatusIdle:
		a.mu.Unlock()
		return nil, pool.ErrNoActiveRound
	case StatusClosed:
		a.mu.Unlock()
		return nil, nil
	}

	a.state.status = StatusClosing
	roundID := a.state.challenge.RoundID
	if a.state.inflight > 0 && a.grace > 0 {
		wait := make(chan struct{})
		a.state.drained = wait
		pending := a.state.inflight
		a.mu.Unlock()

		a.logger.WithRound(roundID).Debug("waiting for admitted validations", "in_flight", pending)
		timer := time.NewTimer(a.grace)
		select {
		case <-wait:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		a.mu.Lock()
		a.state.drained = nil
	}

	closed := a.drainLocked()
	a.mu.Unlock()

	a.logger.WithRound(roundID).Info("round closed",
		"contributions", len(closed.Contributions),
		"allocations", closed.Allocations,
	)
	return closed, nil
}

// drainLocked snapshots the live round and marks it Closed.
func (a *Aggregator) drainLocked() *ClosedRound {
	s := &a.state
	closed := &ClosedRound{
		Challenge:     s.challenge,
		Contributions: s.contributions,
		Best:          s.best,
		TotalScore:    s.total,
		Allocations:   len(s.allocations),
		ClosedAt:      a.now(),
	}

	s.status = StatusClosed
	s.contributions = nil
	s.seen = nil
	s.total = new(big.Int)
	s.best = -1
	s.inflight = 0
	return closed
}

// SnapshotForValidation returns a copy of the live challenge.
func (a *Aggregator) SnapshotForValidation() (pool.Challenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.status == StatusIdle {
		return pool.Challenge{}, pool.ErrNoActiveRound
	}
	return a.state.challenge, nil
}

// AllocateRange returns memberID's nonce window for the open round, assigning
// the next free window on first request.
func (a *Aggregator) AllocateRange(memberID uint64) (pool.NonceRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireOpenLocked(); err != nil {
		return pool.NonceRange{}, err
	}
	if r, ok := a.state.allocations[memberID]; ok {
		return r, nil
	}

	roundID := a.state.challenge.RoundID
	start, end, err := a.partitioner.Window(roundID, a.state.cursor)
	if err != nil {
		return pool.NonceRange{}, err
	}
	a.state.cursor++

	r := pool.NonceRange{MemberID: memberID, RoundID: roundID, Start: start, End: end}
	a.state.allocations[memberID] = r
	return r, nil
}

// AllocatedRange returns the window previously assigned to memberID in roundID.
func (a *Aggregator) AllocatedRange(roundID, memberID uint64) (pool.NonceRange, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.status == StatusIdle || a.state.challenge.RoundID != roundID {
		return pool.NonceRange{}, false, pool.ErrStaleRound
	}
	r, ok := a.state.allocations[memberID]
	return r, ok, nil
}

// RecordContribution records c in the open round.
func (a *Aggregator) RecordContribution(c pool.Contribution) (Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.status != StatusOpen {
		return Receipt{}, pool.ErrStaleRound
	}
	return a.recordLocked(c)
}

func (a *Aggregator) recordLocked(c pool.Contribution) (Receipt, error) {
	s := &a.state
	if c.RoundID != s.challenge.RoundID {
		return Receipt{}, pool.ErrStaleRound
	}

	key := c.Solution.Key()
	if _, dup := s.seen[key]; dup {
		return Receipt{}, pool.ErrDuplicateContribution
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = a.now()
	}

	s.seen[key] = struct{}{}
	s.contributions = append(s.contributions, c)
	score := c.Score()
	s.total.Add(s.total, score)

	isBest := false
	if s.best < 0 || outranks(c, s.contributions[s.best]) {
		s.best = len(s.contributions) - 1
		isBest = true
	}
	return Receipt{Accepted: true, Score: score, Best: isBest}, nil
}

// outranks orders contributions by score, then by earliest arrival.
func outranks(c, best pool.Contribution) bool {
	if c.Difficulty != best.Difficulty {
		return c.Difficulty > best.Difficulty
	}
	return c.ReceivedAt.Before(best.ReceivedAt)
}

func (a *Aggregator) requireOpenLocked() error {
	switch a.state.status {
	case StatusOpen:
		return nil
	case StatusIdle:
		return pool.ErrNoActiveRound
	default:
		return pool.ErrStaleRound
	}
}

// Status returns a summary of the live round.
func (a *Aggregator) Status() RoundStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return RoundStatus{
		RoundID:       a.state.challenge.RoundID,
		Status:        a.state.status,
		MinDifficulty: a.state.challenge.MinDifficulty,
		StartedAt:     a.state.challenge.StartedAt,
		Allocations:   len(a.state.allocations),
		Contributions: len(a.state.contributions),
		InFlight:      a.state.inflight,
	}
}
