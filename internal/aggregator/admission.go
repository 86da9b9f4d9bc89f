package aggregator

import (
	"sync/atomic"

	"github.com/bardlex/orepool/internal/pool"
)

// Admission reserves a validation slot in the open round. A round that moves
// to Closing keeps accepting contributions recorded through an admission
// granted while it was open, until the closing grace expires.
type Admission struct {
	Challenge pool.Challenge

	agg      *Aggregator
	released atomic.Bool
}

// Admit snapshots the live challenge and registers an in-flight validation.
// Callers must Record or Release the admission.
func (a *Aggregator) Admit() (*Admission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireOpenLocked(); err != nil {
		return nil, err
	}
	a.state.inflight++
	return &Admission{Challenge: a.state.challenge, agg: a}, nil
}

// Record records c and releases the admission.
func (ad *Admission) Record(c pool.Contribution) (Receipt, error) {
	a := ad.agg
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		if ad.released.CompareAndSwap(false, true) {
			a.releaseLocked(ad.Challenge.RoundID)
		}
	}()

	if a.state.status != StatusOpen && a.state.status != StatusClosing {
		return Receipt{}, pool.ErrStaleRound
	}
	if c.RoundID != ad.Challenge.RoundID {
		return Receipt{}, pool.ErrStaleRound
	}
	return a.recordLocked(c)
}

// Release gives up the admission without recording. It is safe to call more
// than once and after Record.
func (ad *Admission) Release() {
	if !ad.released.CompareAndSwap(false, true) {
		return
	}
	ad.agg.mu.Lock()
	defer ad.agg.mu.Unlock()
	ad.agg.releaseLocked(ad.Challenge.RoundID)
}

func (a *Aggregator) releaseLocked(roundID uint64) {
	s := &a.state
	if s.challenge.RoundID != roundID || s.inflight == 0 {
		return
	}
	s.inflight--
	if s.inflight == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}
