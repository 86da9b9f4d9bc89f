package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/validation"
)

// contribute validates a signed solution against the live round and records
// it. Validation runs outside the aggregator lock under an admission.
func (s *Server) contribute(c *gin.Context) {
	ctx := c.Request.Context()
	receivedAt := s.now()

	var req ContributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.reject(c, http.StatusBadRequest, reasonMalformed, err)
		return
	}
	sub, err := req.Submission()
	if err != nil {
		s.reject(c, http.StatusBadRequest, reasonMalformed, err)
		return
	}

	if !s.allow(ctx, sub.Authority) {
		s.reject(c, http.StatusTooManyRequests, reasonRateLimited, nil)
		return
	}

	member, err := s.members.lookup(ctx, sub.Authority)
	if err != nil {
		s.rejectErr(c, err)
		return
	}
	logger := s.logger.WithContext(ctx).WithMember(member.ID, sub.Authority.String())

	adm, err := s.agg.Admit()
	if err != nil {
		s.rejectErr(c, err)
		return
	}
	defer adm.Release()

	roundID := adm.Challenge.RoundID
	var allocated *pool.NonceRange
	r, ok, err := s.agg.AllocatedRange(roundID, member.ID)
	if err != nil {
		s.rejectErr(c, err)
		return
	}
	if ok {
		allocated = &r
	}

	result, err := s.validate(ctx, adm.Challenge, sub, allocated)
	if err != nil {
		logger.LogContribution(sub.Authority.String(), roundID, 0, "rejected")
		s.rejectErr(c, err)
		return
	}

	contribution := pool.Contribution{
		MemberID:   member.ID,
		Authority:  sub.Authority,
		RoundID:    roundID,
		Solution:   sub.Solution,
		Difficulty: result.Difficulty,
		ReceivedAt: receivedAt,
	}
	receipt, err := adm.Record(contribution)
	if err != nil {
		logger.LogContribution(sub.Authority.String(), roundID, result.Difficulty, "rejected")
		s.rejectErr(c, err)
		return
	}

	logger.LogContribution(sub.Authority.String(), roundID, result.Difficulty, "accepted")
	s.accepted(contribution)

	c.JSON(http.StatusOK, ContributeResponse{
		Accepted:   receipt.Accepted,
		RoundID:    roundID,
		Difficulty: result.Difficulty,
		Score:      receipt.Score.String(),
		Best:       receipt.Best,
	})
}

// validate runs the proof-of-work check inside the worker budget.
func (s *Server) validate(ctx context.Context, ch pool.Challenge, sub validation.Submission, allocated *pool.NonceRange) (validation.Result, error) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return validation.Result{}, err
	}
	defer s.workers.Release(1)
	return s.validator.Validate(ch, sub, allocated)
}

// allow fails open when the limiter itself is unavailable.
func (s *Server) allow(ctx context.Context, authority pool.Pubkey) bool {
	if s.limiter == nil || s.cfg.ContributeLimit <= 0 {
		return true
	}
	ok, err := s.limiter.AllowContribution(ctx, authority, s.cfg.ContributeLimit)
	if err != nil {
		s.logger.WithError(err).Warn("rate limiter unavailable")
		return true
	}
	return ok
}

// accepted publishes the contribution off the request path.
func (s *Server) accepted(contribution pool.Contribution) {
	if s.metrics != nil {
		s.metrics.WriteContribution(contribution)
	}
	if s.events == nil {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()
		if err := s.events.PublishContribution(ctx, contribution); err != nil {
			s.logger.WithRound(contribution.RoundID).WithError(err).Warn("failed to publish contribution")
		}
	}()
}

func (s *Server) reject(c *gin.Context, status int, reason string, err error) {
	if s.metrics != nil {
		s.metrics.WriteRejection(reason, s.now())
	}
	errorResponse(c, status, reason, err)
}

func (s *Server) rejectErr(c *gin.Context, err error) {
	status, reason := classify(err)
	if reason == reasonUnavailable {
		s.logger.WithContext(c.Request.Context()).WithError(err).Error("contribute dependency failed")
	}
	s.reject(c, status, reason, err)
}

// challenge returns the caller's nonce range for the live round together with
// the challenge, allocating the range on first request.
func (s *Server) challenge(c *gin.Context) {
	ctx := c.Request.Context()

	authority, err := pool.ParsePubkey(c.Param("authority"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, reasonMalformed, err)
		return
	}

	member, err := s.members.lookup(ctx, authority)
	if err != nil {
		if errors.Is(err, pool.ErrUnknownMember) {
			errorResponse(c, http.StatusNotFound, reasonUnknownMember, err)
			return
		}
		status, reason := classify(err)
		errorResponse(c, status, reason, err)
		return
	}

	r, err := s.agg.AllocateRange(member.ID)
	if err != nil {
		if errors.Is(err, pool.ErrSpaceExhausted) {
			s.logger.Warn("nonce space exhausted", "member_id", member.ID)
		}
		status, reason := classify(err)
		errorResponse(c, status, reason, err)
		return
	}

	ch, err := s.agg.SnapshotForValidation()
	if err == nil && ch.RoundID != r.RoundID {
		err = pool.ErrStaleRound
	}
	if err != nil {
		status, reason := classify(err)
		errorResponse(c, status, reason, err)
		return
	}

	c.JSON(http.StatusOK, ChallengeResponse{
		MemberID:  member.ID,
		Start:     r.Start,
		End:       r.End,
		Challenge: newChallengeBody(ch),
	})
}

// register opens a member account on chain unless the authority is already
// known, then stores the member under the id the program returned.
func (s *Server) register(c *gin.Context) {
	ctx := c.Request.Context()

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, reasonMalformed, err)
		return
	}
	authority, err := pool.ParsePubkey(req.Authority)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, reasonMalformed, err)
		return
	}

	existing, err := s.members.lookup(ctx, authority)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newMemberResponse(existing))
		return
	case !errors.Is(err, pool.ErrUnknownMember):
		errorResponse(c, http.StatusServiceUnavailable, reasonUnavailable, err)
		return
	}

	logger := s.logger.WithContext(ctx).WithFields("authority", authority.String())
	id, err := s.registrar.Register(ctx, authority)
	if err != nil {
		logger.WithError(err).Error("member registration failed")
		if errors.Is(err, pool.ErrConfirmationTimeout) {
			errorResponse(c, http.StatusGatewayTimeout, reasonTimeout, err)
			return
		}
		errorResponse(c, http.StatusBadGateway, reasonUnavailable, err)
		return
	}

	member, err := s.members.register(ctx, pool.Member{ID: id, Pool: s.registrar.Pool(), Authority: authority})
	if err != nil {
		logger.WithError(err).Error("failed to store registered member", "member_id", id)
		errorResponse(c, http.StatusServiceUnavailable, reasonUnavailable, err)
		return
	}

	logger.Info("member registered", "member_id", member.ID)
	c.JSON(http.StatusOK, newMemberResponse(member))
}

// healthz reports every dependency and the live round.
func (s *Server) healthz(c *gin.Context) {
	ctx := c.Request.Context()

	status := http.StatusOK
	checks := make(gin.H, len(s.health))
	for _, h := range s.health {
		if err := h.Check(ctx); err != nil {
			checks[h.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[h.Name] = "ok"
	}

	round := s.agg.Status()
	c.JSON(status, gin.H{
		"healthy": status == http.StatusOK,
		"checks":  checks,
		"round": gin.H{
			"round_id":      round.RoundID,
			"status":        round.Status.String(),
			"allocations":   round.Allocations,
			"contributions": round.Contributions,
			"in_flight":     round.InFlight,
		},
	})
}
