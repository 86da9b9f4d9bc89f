package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
	"github.com/bardlex/orepool/pkg/circuit"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

// RPCClient is a JSON-RPC 2.0 client for the chain node.
type RPCClient struct {
	url            string
	commitment     string
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	nextID         atomic.Uint64
}

// NewRPCClient creates a client for the node at url. Reads use the given
// commitment level.
func NewRPCClient(url, commitment string, timeout time.Duration, logger *log.Logger) *RPCClient {
	if logger == nil {
		logger = log.Nop()
	}
	cbConfig := &circuit.Config{
		Name:            "chain_rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		OnStateChange:   circuit.LogTransitions(logger.WithComponent("chain_rpc")),
	}

	return &RPCClient{
		url:            url,
		commitment:     commitment,
		httpClient:     &http.Client{Timeout: timeout},
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			return c.do(ctx, method, params, out)
		})
	})
}

func (c *RPCClient) do(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "chain node unreachable").
			AsRetryable(ctx.Err() == nil).
			WithContext("url", c.url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrorTypeNetwork, method, fmt.Sprintf("chain node returned HTTP %d", resp.StatusCode)).
			AsRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests).
			WithContext("status", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return errors.Wrap(err, errors.ErrorTypeChain, method, "malformed rpc response")
	}
	if rpcResp.Error != nil {
		return errors.Wrap(rpcResp.Error, errors.ErrorTypeChain, method, "node rejected request").
			AsRetryable(false).
			WithContext("code", rpcResp.Error.Code)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeChain, method, "unexpected result shape")
	}
	return nil
}

// Health checks node liveness.
func (c *RPCClient) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return errors.New(errors.ErrorTypeChain, "getHealth", "node unhealthy").WithContext("status", status)
	}
	return nil
}

// GetLatestBlockhash returns a recent blockhash for transaction assembly.
func (c *RPCClient) GetLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var hash [32]byte
	var res blockhashResult
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": c.commitment}}, &res); err != nil {
		return hash, err
	}
	raw := base58.Decode(res.Value.Blockhash)
	if len(raw) != len(hash) {
		return hash, errors.New(errors.ErrorTypeChain, "getLatestBlockhash", "malformed blockhash").
			WithContext("blockhash", res.Value.Blockhash)
	}
	copy(hash[:], raw)
	return hash, nil
}

// SendTransaction submits a signed, serialized transaction.
func (c *RPCClient) SendTransaction(ctx context.Context, raw []byte) (pool.Signature, error) {
	var sigText string
	params := []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "preflightCommitment": c.commitment},
	}
	if err := c.call(ctx, "sendTransaction", params, &sigText); err != nil {
		return pool.Signature{}, err
	}
	sig, err := pool.ParseSignature(sigText)
	if err != nil {
		return pool.Signature{}, errors.Wrap(err, errors.ErrorTypeChain, "sendTransaction", "malformed signature")
	}
	return sig, nil
}

// GetSignatureStatus returns the status of sig, or nil if the node has not
// seen it.
func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig pool.Signature) (*SignatureStatus, error) {
	var res signatureStatusesResult
	params := []any{
		[]string{sig.String()},
		map[string]any{"searchTransactionHistory": true},
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &res); err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// GetTransaction returns the metadata of a confirmed transaction, or nil if
// it is not yet available.
func (c *RPCClient) GetTransaction(ctx context.Context, sig pool.Signature) (*TransactionMeta, error) {
	var res *transactionResult
	params := []any{
		sig.String(),
		map[string]any{"encoding": "json", "commitment": c.commitment, "maxSupportedTransactionVersion": 0},
	}
	if err := c.call(ctx, "getTransaction", params, &res); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	meta := &TransactionMeta{Slot: res.Slot}
	if res.Meta != nil && res.Meta.ReturnData != nil {
		rd := res.Meta.ReturnData
		programID, err := pool.ParsePubkey(rd.ProgramID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChain, "getTransaction", "malformed return data program id")
		}
		meta.ReturnData = &program.ReturnData{ProgramID: programID}
		if len(rd.Data) > 0 {
			meta.ReturnData.Data = rd.Data[0]
		}
		if len(rd.Data) > 1 {
			meta.ReturnData.Encoding = rd.Data[1]
		}
	}
	return meta, nil
}

// GetAccountData returns the raw data of an account.
func (c *RPCClient) GetAccountData(ctx context.Context, addr pool.Pubkey) ([]byte, error) {
	var res accountInfoResult
	params := []any{
		addr.String(),
		map[string]any{"encoding": "base64", "commitment": c.commitment},
	}
	if err := c.call(ctx, "getAccountInfo", params, &res); err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if len(res.Value.Data) == 0 {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "getAccountInfo", "malformed account data").
			WithContext("account", addr.String())
	}
	return data, nil
}
