// Package chain talks to the settlement chain: JSON-RPC transport, legacy
// transaction assembly, bounded confirmation, and the pool-level operations
// built on them (challenge fetch, round submission, member registration).
package chain

import (
	"encoding/json"
	"fmt"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type blockhashResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type signatureStatusesResult struct {
	Context rpcContext         `json:"context"`
	Value   []*SignatureStatus `json:"value"`
}

// SignatureStatus is the node's view of a sent transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction executed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

var commitmentRank = map[string]int{
	"processed": 1,
	"confirmed": 2,
	"finalized": 3,
}

// Reached reports whether the status is at least the given commitment level.
func (s *SignatureStatus) Reached(commitment string) bool {
	want, ok := commitmentRank[commitment]
	if !ok {
		want = commitmentRank["confirmed"]
	}
	return commitmentRank[s.ConfirmationStatus] >= want
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err        json.RawMessage `json:"err"`
		ReturnData *struct {
			ProgramID string   `json:"programId"`
			Data      []string `json:"data"`
		} `json:"returnData"`
	} `json:"meta"`
}

// TransactionMeta is the subset of a confirmed transaction the pool reads.
type TransactionMeta struct {
	Slot       uint64
	ReturnData *program.ReturnData
}

type accountInfoResult struct {
	Context rpcContext `json:"context"`
	Value   *struct {
		Data     []string `json:"data"`
		Owner    string   `json:"owner"`
		Lamports uint64   `json:"lamports"`
	} `json:"value"`
}

// TransactionResult describes a sent and confirmed transaction.
type TransactionResult struct {
	Signature pool.Signature
	Slot      uint64
	Status    string
}

// TransactionError reports a transaction that landed but failed on chain.
type TransactionError struct {
	Signature pool.Signature
	Err       string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, e.Err)
}
