package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/orepool/internal/pool"
)

// Rejection reasons reported to clients and metrics.
const (
	reasonMalformed     = "malformed_request"
	reasonRateLimited   = "rate_limited"
	reasonUnauthorized  = "unauthorized"
	reasonUnknownMember = "unknown_member"
	reasonBelowMin      = "below_min_difficulty"
	reasonInvalidDigest = "invalid_digest"
	reasonOutOfRange    = "nonce_out_of_range"
	reasonStale         = "stale_round"
	reasonDuplicate     = "duplicate_contribution"
	reasonNoRound       = "no_active_round"
	reasonExhausted     = "space_exhausted"
	reasonTimeout       = "confirmation_timeout"
	reasonUnavailable   = "unavailable"
)

var statusByError = []struct {
	err    error
	status int
	reason string
}{
	{pool.ErrUnauthorized, http.StatusUnauthorized, reasonUnauthorized},
	{pool.ErrUnknownMember, http.StatusUnauthorized, reasonUnknownMember},
	{pool.ErrBelowMinDifficulty, http.StatusBadRequest, reasonBelowMin},
	{pool.ErrInvalidDigest, http.StatusBadRequest, reasonInvalidDigest},
	{pool.ErrNonceOutOfRange, http.StatusBadRequest, reasonOutOfRange},
	{pool.ErrStaleRound, http.StatusConflict, reasonStale},
	{pool.ErrDuplicateContribution, http.StatusConflict, reasonDuplicate},
	{pool.ErrNoActiveRound, http.StatusServiceUnavailable, reasonNoRound},
	{pool.ErrSpaceExhausted, http.StatusServiceUnavailable, reasonExhausted},
	{pool.ErrConfirmationTimeout, http.StatusGatewayTimeout, reasonTimeout},
}

// classify maps an error to an HTTP status and a rejection reason.
// Unrecognized errors are dependency failures.
func classify(err error) (int, string) {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status, e.reason
		}
	}
	return http.StatusServiceUnavailable, reasonUnavailable
}

func errorResponse(c *gin.Context, status int, reason string, err error) {
	body := ErrorResponse{Error: reason}
	if err != nil {
		body.Message = err.Error()
	}
	c.JSON(status, body)
}
