package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bardlex/orepool/internal/api"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/validation"
)

// poolClient talks to the pool HTTP API as a member.
type poolClient struct {
	baseURL string
	http    *http.Client
}

func newPoolClient(baseURL string, timeout time.Duration) *poolClient {
	return &poolClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("pool returned %d %s: %s", e.Status, e.Body.Error, e.Body.Message)
	}
	return fmt.Sprintf("pool returned %d %s", e.Status, e.Body.Error)
}

func (c *poolClient) Register(ctx context.Context, authority pool.Pubkey) (api.MemberResponse, error) {
	var out api.MemberResponse
	err := c.do(ctx, http.MethodPost, "/register", api.RegisterRequest{Authority: authority.String()}, &out)
	return out, err
}

func (c *poolClient) Challenge(ctx context.Context, authority pool.Pubkey) (api.ChallengeResponse, error) {
	var out api.ChallengeResponse
	err := c.do(ctx, http.MethodGet, "/challenge/"+authority.String(), nil, &out)
	return out, err
}

func (c *poolClient) Contribute(ctx context.Context, req api.ContributeRequest) (api.ContributeResponse, error) {
	var out api.ContributeResponse
	err := c.do(ctx, http.MethodPost, "/contribute", req, &out)
	return out, err
}

func (c *poolClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// miner fetches a nonce range, searches it and submits the best solution
// found within the search limit.
type miner struct {
	client *poolClient
	key    ed25519.PrivateKey
	limit  uint64
}

func (m *miner) authority() pool.Pubkey {
	var pk pool.Pubkey
	copy(pk[:], m.key.Public().(ed25519.PublicKey))
	return pk
}

// MineOnce performs one challenge/search/contribute cycle.
func (m *miner) MineOnce(ctx context.Context) (api.ContributeResponse, error) {
	authority := m.authority()
	assigned, err := m.client.Challenge(ctx, authority)
	if err != nil {
		return api.ContributeResponse{}, err
	}
	ch, err := assigned.Challenge.Challenge()
	if err != nil {
		return api.ContributeResponse{}, err
	}

	sol, _, ok := validation.Search(ch.Target, assigned.Range(), ch.MinDifficulty, m.limit)
	if !ok {
		return api.ContributeResponse{}, fmt.Errorf("no solution of difficulty %d in %d nonces of round %d",
			ch.MinDifficulty, m.limit, ch.RoundID)
	}

	sub := validation.Submission{Authority: authority, Solution: sol}
	copy(sub.Signature[:], ed25519.Sign(m.key, sol.Bytes()))
	return m.client.Contribute(ctx, api.NewContributeRequest(sub))
}
