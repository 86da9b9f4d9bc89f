package api

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/validation"
)

// SolutionBody is the hex form of a solution.
type SolutionBody struct {
	D string `json:"d" binding:"required"`
	N string `json:"n" binding:"required"`
}

// ContributeRequest is the body of POST /contribute. Authority and Signature
// are base58; the signature covers d || n.
type ContributeRequest struct {
	Authority string       `json:"authority" binding:"required"`
	Solution  SolutionBody `json:"solution"`
	Signature string       `json:"signature" binding:"required"`
}

// NewContributeRequest encodes a signed submission.
func NewContributeRequest(sub validation.Submission) ContributeRequest {
	return ContributeRequest{
		Authority: sub.Authority.String(),
		Solution: SolutionBody{
			D: hex.EncodeToString(sub.Solution.D[:]),
			N: hex.EncodeToString(sub.Solution.N[:]),
		},
		Signature: sub.Signature.String(),
	}
}

// Submission decodes the request.
func (r ContributeRequest) Submission() (validation.Submission, error) {
	var sub validation.Submission
	var err error

	if sub.Authority, err = pool.ParsePubkey(r.Authority); err != nil {
		return sub, err
	}
	if err := decodeHex(r.Solution.D, sub.Solution.D[:]); err != nil {
		return sub, fmt.Errorf("solution.d: %w", err)
	}
	if err := decodeHex(r.Solution.N, sub.Solution.N[:]); err != nil {
		return sub, fmt.Errorf("solution.n: %w", err)
	}
	if sub.Signature, err = pool.ParseSignature(r.Signature); err != nil {
		return sub, err
	}
	return sub, nil
}

func decodeHex(s string, dst []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("got %d bytes, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

// ContributeResponse acknowledges an accepted contribution.
type ContributeResponse struct {
	Accepted   bool   `json:"accepted"`
	RoundID    uint64 `json:"round_id"`
	Difficulty uint32 `json:"difficulty"`
	Score      string `json:"score"`
	Best       bool   `json:"best"`
}

// ErrorResponse is the body of every failed request. Error is a stable
// rejection reason.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ChallengeBody is the public form of a challenge.
type ChallengeBody struct {
	RoundID       uint64    `json:"round_id"`
	Target        string    `json:"target"`
	MinDifficulty uint32    `json:"min_difficulty"`
	StartedAt     time.Time `json:"started_at"`
}

// Challenge decodes the body.
func (b ChallengeBody) Challenge() (pool.Challenge, error) {
	ch := pool.Challenge{RoundID: b.RoundID, MinDifficulty: b.MinDifficulty, StartedAt: b.StartedAt}
	if err := decodeHex(b.Target, ch.Target[:]); err != nil {
		return ch, fmt.Errorf("target: %w", err)
	}
	return ch, nil
}

func newChallengeBody(ch pool.Challenge) ChallengeBody {
	return ChallengeBody{
		RoundID:       ch.RoundID,
		Target:        hex.EncodeToString(ch.Target[:]),
		MinDifficulty: ch.MinDifficulty,
		StartedAt:     ch.StartedAt,
	}
}

// ChallengeResponse is the body of GET /challenge/:authority.
type ChallengeResponse struct {
	MemberID  uint64        `json:"member_id"`
	Start     uint64        `json:"start"`
	End       uint64        `json:"end"`
	Challenge ChallengeBody `json:"challenge"`
}

// Range returns the allocated range.
func (r ChallengeResponse) Range() pool.NonceRange {
	return pool.NonceRange{MemberID: r.MemberID, RoundID: r.Challenge.RoundID, Start: r.Start, End: r.End}
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Authority string `json:"authority" binding:"required"`
}

// MemberResponse describes a registered member.
type MemberResponse struct {
	ID           uint64    `json:"id"`
	Authority    string    `json:"authority"`
	Pool         string    `json:"pool"`
	Balance      uint64    `json:"balance"`
	TotalBalance uint64    `json:"total_balance"`
	CreatedAt    time.Time `json:"created_at"`
}

func newMemberResponse(m *pool.Member) MemberResponse {
	return MemberResponse{
		ID:           m.ID,
		Authority:    m.Authority.String(),
		Pool:         m.Pool.String(),
		Balance:      m.Balance,
		TotalBalance: m.TotalBalance,
		CreatedAt:    m.CreatedAt,
	}
}
