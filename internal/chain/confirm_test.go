package chain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/pkg/log"
)

func TestConfirmer_Confirm(t *testing.T) {
	pending := &SignatureStatus{ConfirmationStatus: "processed"}

	tests := []struct {
		name       string
		statuses   []*SignatureStatus
		errs       []error
		wantErr    error
		wantChecks int
	}{
		{
			name:       "confirmed on first check",
			statuses:   []*SignatureStatus{confirmed()},
			wantChecks: 1,
		},
		{
			name:       "four failures then success",
			statuses:   []*SignatureStatus{nil, nil, nil, nil, confirmed()},
			errs:       []error{errNodeDown, nil, errNodeDown, nil},
			wantChecks: 5,
		},
		{
			name:       "below commitment counts as pending",
			statuses:   []*SignatureStatus{pending, pending, confirmed()},
			wantChecks: 3,
		},
		{
			name:       "five failures time out",
			statuses:   []*SignatureStatus{nil, nil, nil, nil, nil, confirmed()},
			errs:       []error{errNodeDown, errNodeDown, nil, nil, errNodeDown},
			wantErr:    pool.ErrConfirmationTimeout,
			wantChecks: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := newMockRPC()
			rpc.Statuses = tt.statuses
			rpc.StatusErrs = tt.errs
			c := NewConfirmer(rpc, 5, time.Millisecond, "confirmed", log.Nop())

			status, err := c.Confirm(context.Background(), pool.Signature{1})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Confirm() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil || status == nil {
				t.Errorf("Confirm() = (%v, %v), want a status", status, err)
			}
			if rpc.StatusChecks != tt.wantChecks {
				t.Errorf("status checks = %d, want %d", rpc.StatusChecks, tt.wantChecks)
			}
		})
	}
}

func TestConfirmer_FailedTransactionIsTerminal(t *testing.T) {
	rpc := newMockRPC()
	rpc.Statuses = []*SignatureStatus{{ConfirmationStatus: "confirmed", Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)}}
	c := NewConfirmer(rpc, 5, time.Millisecond, "confirmed", log.Nop())

	_, err := c.Confirm(context.Background(), pool.Signature{1})
	var txErr *TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("Confirm() error = %v, want *TransactionError", err)
	}
	if errors.Is(err, pool.ErrConfirmationTimeout) {
		t.Error("a failed transaction is not a timeout")
	}
	if rpc.StatusChecks != 1 {
		t.Errorf("status checks = %d, want 1", rpc.StatusChecks)
	}
}

func TestConfirmer_ContextCancelled(t *testing.T) {
	rpc := newMockRPC()
	c := NewConfirmer(rpc, 5, time.Hour, "confirmed", log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Confirm(ctx, pool.Signature{1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Confirm() error = %v, want context.Canceled", err)
	}
}

func TestSignatureStatus_Reached(t *testing.T) {
	tests := []struct {
		status     string
		commitment string
		want       bool
	}{
		{"processed", "confirmed", false},
		{"confirmed", "confirmed", true},
		{"finalized", "confirmed", true},
		{"confirmed", "finalized", false},
		{"processed", "processed", true},
		{"", "processed", false},
		{"confirmed", "bogus", true},
	}

	for _, tt := range tests {
		s := &SignatureStatus{ConfirmationStatus: tt.status}
		if got := s.Reached(tt.commitment); got != tt.want {
			t.Errorf("Reached(%q) with status %q = %v, want %v", tt.commitment, tt.status, got, tt.want)
		}
	}
}
