package chain

import (
	"context"
	"errors"
	"sync"

	"github.com/bardlex/orepool/internal/pool"
)

// mockRPC implements RPC with scripted responses.
type mockRPC struct {
	mu sync.Mutex

	Blockhash   [32]byte
	Accounts    map[pool.Pubkey][]byte
	Statuses    []*SignatureStatus // consumed one per status check
	StatusErrs  []error            // parallel to Statuses
	Transaction *TransactionMeta
	SendErr     error

	Sent         [][]byte
	StatusChecks int
}

func newMockRPC() *mockRPC {
	return &mockRPC{Accounts: make(map[pool.Pubkey][]byte)}
}

func (m *mockRPC) GetLatestBlockhash(_ context.Context) ([32]byte, error) {
	return m.Blockhash, nil
}

func (m *mockRPC) SendTransaction(_ context.Context, raw []byte) (pool.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return pool.Signature{}, m.SendErr
	}
	m.Sent = append(m.Sent, raw)
	// the first signature follows the one-byte signature count
	var sig pool.Signature
	copy(sig[:], raw[1:65])
	return sig, nil
}

func (m *mockRPC) GetSignatureStatus(_ context.Context, _ pool.Signature) (*SignatureStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.StatusChecks
	m.StatusChecks++
	if i < len(m.StatusErrs) && m.StatusErrs[i] != nil {
		return nil, m.StatusErrs[i]
	}
	if i < len(m.Statuses) {
		return m.Statuses[i], nil
	}
	return nil, nil
}

func (m *mockRPC) GetTransaction(_ context.Context, _ pool.Signature) (*TransactionMeta, error) {
	return m.Transaction, nil
}

func (m *mockRPC) GetAccountData(_ context.Context, addr pool.Pubkey) ([]byte, error) {
	data, ok := m.Accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return data, nil
}

func (m *mockRPC) Health(_ context.Context) error { return nil }

var errNodeDown = errors.New("connection refused")

func confirmed() *SignatureStatus {
	return &SignatureStatus{Slot: 42, ConfirmationStatus: "confirmed"}
}
