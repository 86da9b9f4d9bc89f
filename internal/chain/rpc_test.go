package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
	perrors "github.com/bardlex/orepool/pkg/errors"
)

// rpcServer answers JSON-RPC calls from a method → result table.
func rpcServer(t *testing.T, results map[string]any, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		result, ok := results[req.Method]
		switch {
		case !ok:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		case result == nil:
			resp["result"] = nil
		default:
			if e, isErr := result.(*RPCError); isErr {
				resp["error"] = e
			} else {
				resp["result"] = result
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRPCClient_GetLatestBlockhash(t *testing.T) {
	want := [32]byte{1, 2, 3}
	srv := rpcServer(t, map[string]any{
		"getLatestBlockhash": map[string]any{
			"context": map[string]any{"slot": 10},
			"value":   map[string]any{"blockhash": base58.Encode(want[:]), "lastValidBlockHeight": 99},
		},
	}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	got, err := c.GetLatestBlockhash(context.Background())
	if err != nil || got != want {
		t.Errorf("GetLatestBlockhash() = (%x, %v), want %x", got, err, want)
	}
}

func TestRPCClient_SendTransaction(t *testing.T) {
	sig := pool.Signature{7, 7, 7}
	srv := rpcServer(t, map[string]any{"sendTransaction": sig.String()}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	got, err := c.SendTransaction(context.Background(), []byte{1, 2, 3})
	if err != nil || got != sig {
		t.Errorf("SendTransaction() = (%v, %v), want %v", got, err, sig)
	}
}

func TestRPCClient_NodeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, map[string]any{
		"sendTransaction": &RPCError{Code: -32002, Message: "Blockhash not found"},
	}, &calls)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	_, err := c.SendTransaction(context.Background(), []byte{1})
	if !perrors.IsType(err, perrors.ErrorTypeChain) {
		t.Errorf("SendTransaction() error = %v, want chain error", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32002 {
		t.Errorf("error should carry the node's RPCError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRPCClient_GetSignatureStatus(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"getSignatureStatuses": map[string]any{
			"context": map[string]any{"slot": 5},
			"value": []any{
				map[string]any{"slot": 4, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
			},
		},
	}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	st, err := c.GetSignatureStatus(context.Background(), pool.Signature{1})
	if err != nil || st == nil {
		t.Fatalf("GetSignatureStatus() = (%v, %v)", st, err)
	}
	if st.Slot != 4 || st.Failed() || !st.Reached("confirmed") {
		t.Errorf("status = %+v", st)
	}
}

func TestRPCClient_GetSignatureStatusUnknown(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"getSignatureStatuses": map[string]any{"context": map[string]any{"slot": 5}, "value": []any{nil}},
	}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	st, err := c.GetSignatureStatus(context.Background(), pool.Signature{1})
	if err != nil || st != nil {
		t.Errorf("GetSignatureStatus() = (%v, %v), want (nil, nil)", st, err)
	}
}

func TestRPCClient_GetTransactionReturnData(t *testing.T) {
	programID := pool.Pubkey{0x55}
	srv := rpcServer(t, map[string]any{
		"getTransaction": map[string]any{
			"slot": 77,
			"meta": map[string]any{
				"err": nil,
				"returnData": map[string]any{
					"programId": programID.String(),
					"data":      []string{program.EncodeMemberID(31), "base64"},
				},
			},
		},
	}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	meta, err := c.GetTransaction(context.Background(), pool.Signature{1})
	if err != nil || meta == nil {
		t.Fatalf("GetTransaction() = (%v, %v)", meta, err)
	}
	id, err := program.DecodeMemberID(meta.ReturnData, programID)
	if err != nil || id != 31 {
		t.Errorf("DecodeMemberID() = (%d, %v), want 31", id, err)
	}
}

func TestRPCClient_GetTransactionPending(t *testing.T) {
	srv := rpcServer(t, map[string]any{"getTransaction": nil}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	meta, err := c.GetTransaction(context.Background(), pool.Signature{1})
	if err != nil || meta != nil {
		t.Errorf("GetTransaction() = (%v, %v), want (nil, nil)", meta, err)
	}
}

func TestRPCClient_GetAccountData(t *testing.T) {
	data := []byte("proof account bytes")
	srv := rpcServer(t, map[string]any{
		"getAccountInfo": map[string]any{
			"context": map[string]any{"slot": 1},
			"value": map[string]any{
				"data":     []string{base64.StdEncoding.EncodeToString(data), "base64"},
				"owner":    pool.Pubkey{1}.String(),
				"lamports": 10,
			},
		},
	}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	got, err := c.GetAccountData(context.Background(), pool.Pubkey{2})
	if err != nil || string(got) != string(data) {
		t.Errorf("GetAccountData() = (%q, %v), want %q", got, err, data)
	}
}

func TestRPCClient_GetAccountDataMissing(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"getAccountInfo": map[string]any{"context": map[string]any{"slot": 1}, "value": nil},
	}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	if _, err := c.GetAccountData(context.Background(), pool.Pubkey{2}); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("GetAccountData() error = %v, want ErrAccountNotFound", err)
	}
}

func TestRPCClient_Health(t *testing.T) {
	srv := rpcServer(t, map[string]any{"getHealth": "ok"}, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, "confirmed", time.Second, nil)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
