package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/orepool/internal/aggregator"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockStore struct {
	mu      sync.Mutex
	members map[pool.Pubkey]*pool.Member
	lookups int
	err     error
}

func newMockStore(members ...*pool.Member) *mockStore {
	s := &mockStore{members: make(map[pool.Pubkey]*pool.Member)}
	for _, m := range members {
		s.members[m.Authority] = m
	}
	return s
}

func (s *mockStore) GetByAuthority(_ context.Context, authority pool.Pubkey) (*pool.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.members[authority]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownMember, authority)
	}
	return m, nil
}

func (s *mockStore) GetOrCreateMember(_ context.Context, m pool.Member) (*pool.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.members[m.Authority]; ok {
		return existing, nil
	}
	m.CreatedAt = time.Unix(1, 0).UTC()
	s.members[m.Authority] = &m
	return &m, nil
}

type mockRegistrar struct {
	id    uint64
	err   error
	calls int
}

func (r *mockRegistrar) Register(context.Context, pool.Pubkey) (uint64, error) {
	r.calls++
	return r.id, r.err
}

func (r *mockRegistrar) Pool() pool.Pubkey { return pool.Pubkey{0xff} }

type mockLimiter struct {
	allow bool
	err   error
}

func (l mockLimiter) AllowContribution(context.Context, pool.Pubkey, int64) (bool, error) {
	return l.allow, l.err
}

type mockEvents struct {
	mu            sync.Mutex
	contributions []pool.Contribution
}

func (e *mockEvents) PublishContribution(_ context.Context, c pool.Contribution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contributions = append(e.contributions, c)
	return nil
}

type mockMetrics struct {
	mu         sync.Mutex
	accepted   int
	rejections []string
}

func (m *mockMetrics) WriteContribution(pool.Contribution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted++
}

func (m *mockMetrics) WriteRejection(reason string, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

type testMember struct {
	member *pool.Member
	key    ed25519.PrivateKey
}

func newTestMember(t *testing.T, id uint64) testMember {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var pk pool.Pubkey
	copy(pk[:], pub)
	return testMember{member: &pool.Member{ID: id, Authority: pk}, key: priv}
}

func (m testMember) sign(sol pool.Solution) ContributeRequest {
	var sig pool.Signature
	copy(sig[:], ed25519.Sign(m.key, sol.Bytes()))
	return NewContributeRequest(validation.Submission{Authority: m.member.Authority, Solution: sol, Signature: sig})
}

type harness struct {
	server    *Server
	agg       *aggregator.Aggregator
	store     *mockStore
	registrar *mockRegistrar
	events    *mockEvents
	metrics   *mockMetrics
}

func newHarness(t *testing.T, limiter RateLimiter, members ...testMember) *harness {
	t.Helper()
	p, err := aggregator.NewSequentialPartitioner(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	agg, err := aggregator.New(aggregator.Config{Partitioner: p}, nil)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		agg:       agg,
		store:     newMockStore(),
		registrar: &mockRegistrar{id: 77},
		events:    &mockEvents{},
		metrics:   &mockMetrics{},
	}
	for _, m := range members {
		h.store.members[m.member.Authority] = m.member
	}

	h.server, err = New(Config{ContributeLimit: 5, MemberCacheSize: 16, ValidationWorkers: 2}, Deps{
		Aggregator: agg,
		Members:    h.store,
		Registrar:  h.registrar,
		Limiter:    limiter,
		Events:     h.events,
		Metrics:    h.metrics,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) open(t *testing.T, minDifficulty uint32) pool.Challenge {
	t.Helper()
	if _, err := h.agg.RotateChallenge(pool.Challenge{Target: [32]byte{0x42, 7}, MinDifficulty: minDifficulty}); err != nil {
		t.Fatal(err)
	}
	ch, err := h.agg.SnapshotForValidation()
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) rangeOf(t *testing.T, m testMember) pool.NonceRange {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/challenge/"+m.member.Authority.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /challenge = %d: %s", rec.Code, rec.Body)
	}
	var resp ChallengeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Range()
}

func solve(t *testing.T, ch pool.Challenge, r pool.NonceRange) pool.Solution {
	t.Helper()
	sol, _, ok := validation.Search(ch.Target, r, 0, 16)
	if !ok {
		t.Fatal("no solution found")
	}
	return sol
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body, err)
	}
	return body.Error
}

func TestContribute_Accepted(t *testing.T) {
	alice := newTestMember(t, 1)
	h := newHarness(t, mockLimiter{allow: true}, alice)
	ch := h.open(t, 0)

	r := h.rangeOf(t, alice)
	if r.RoundID != ch.RoundID || r.MemberID != 1 || r.Size() == 0 {
		t.Fatalf("range = %+v", r)
	}
	sol := solve(t, ch, r)

	rec := h.do(t, http.MethodPost, "/contribute", alice.sign(sol))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /contribute = %d: %s", rec.Code, rec.Body)
	}
	var resp ContributeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := validation.Difficulty(sol)
	if !resp.Accepted || !resp.Best || resp.RoundID != ch.RoundID || resp.Difficulty != want {
		t.Errorf("response = %+v", resp)
	}
	if resp.Score != pool.Score(want).String() {
		t.Errorf("Score = %s, want %s", resp.Score, pool.Score(want))
	}

	h.server.background.Wait()
	if len(h.events.contributions) != 1 || h.events.contributions[0].MemberID != 1 {
		t.Errorf("published %+v", h.events.contributions)
	}
	if h.metrics.accepted != 1 {
		t.Errorf("accepted metrics = %d, want 1", h.metrics.accepted)
	}
	if st := h.agg.Status(); st.Contributions != 1 || st.InFlight != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestContribute_Rejections(t *testing.T) {
	alice := newTestMember(t, 1)
	mallory := newTestMember(t, 2)
	stranger := newTestMember(t, 3)

	tests := []struct {
		name       string
		minDiff    uint32
		limiter    RateLimiter
		request    func(t *testing.T, h *harness, ch pool.Challenge) any
		wantStatus int
		wantReason string
	}{
		{
			name: "malformed json",
			request: func(*testing.T, *harness, pool.Challenge) any {
				return "{not json"
			},
			wantStatus: http.StatusBadRequest,
			wantReason: reasonMalformed,
		},
		{
			name: "short digest",
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				req := alice.sign(pool.NewSolution([16]byte{}, 1))
				req.Solution.D = "abcd"
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantReason: reasonMalformed,
		},
		{
			name:    "rate limited",
			limiter: mockLimiter{allow: false},
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				return alice.sign(pool.NewSolution([16]byte{}, 1))
			},
			wantStatus: http.StatusTooManyRequests,
			wantReason: reasonRateLimited,
		},
		{
			name: "unknown member",
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				return stranger.sign(pool.NewSolution([16]byte{}, 1))
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: reasonUnknownMember,
		},
		{
			name: "bad signature",
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				sol := solve(t, ch, h.rangeOf(t, alice))
				req := mallory.sign(sol)
				req.Authority = alice.member.Authority.String()
				return req
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: reasonUnauthorized,
		},
		{
			name:    "below min difficulty",
			minDiff: 40,
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				return alice.sign(solve(t, ch, h.rangeOf(t, alice)))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: reasonBelowMin,
		},
		{
			name: "invalid digest",
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				sol := solve(t, ch, h.rangeOf(t, alice))
				sol.D[0] ^= 0xff
				return alice.sign(sol)
			},
			wantStatus: http.StatusBadRequest,
			wantReason: reasonInvalidDigest,
		},
		{
			name: "no allocation",
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				r := pool.NonceRange{Start: 0, End: 1 << 20}
				return alice.sign(solve(t, ch, r))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: reasonOutOfRange,
		},
		{
			name: "outside allocation",
			request: func(t *testing.T, h *harness, ch pool.Challenge) any {
				r := h.rangeOf(t, alice)
				other := h.rangeOf(t, mallory)
				if r.Overlaps(other) {
					t.Fatal("ranges overlap")
				}
				return alice.sign(solve(t, ch, other))
			},
			wantStatus: http.StatusBadRequest,
			wantReason: reasonOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := tt.limiter
			if limiter == nil {
				limiter = mockLimiter{allow: true}
			}
			h := newHarness(t, limiter, alice, mallory)
			ch := h.open(t, tt.minDiff)

			rec := h.do(t, http.MethodPost, "/contribute", tt.request(t, h, ch))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if reason := decodeError(t, rec); reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
			if st := h.agg.Status(); st.Contributions != 0 || st.InFlight != 0 {
				t.Errorf("rejection changed round state: %+v", st)
			}
			if len(h.metrics.rejections) != 1 || h.metrics.rejections[0] != tt.wantReason {
				t.Errorf("rejection metrics = %v", h.metrics.rejections)
			}
		})
	}
}

func TestContribute_Duplicate(t *testing.T) {
	alice := newTestMember(t, 1)
	h := newHarness(t, nil, alice)
	ch := h.open(t, 0)
	req := alice.sign(solve(t, ch, h.rangeOf(t, alice)))

	if rec := h.do(t, http.MethodPost, "/contribute", req); rec.Code != http.StatusOK {
		t.Fatalf("first submit = %d: %s", rec.Code, rec.Body)
	}
	rec := h.do(t, http.MethodPost, "/contribute", req)
	if rec.Code != http.StatusConflict || decodeError(t, rec) != reasonDuplicate {
		t.Errorf("second submit = %d: %s", rec.Code, rec.Body)
	}
	if st := h.agg.Status(); st.Contributions != 1 {
		t.Errorf("Contributions = %d, want 1", st.Contributions)
	}
}

func TestContribute_StaleAfterRotation(t *testing.T) {
	alice := newTestMember(t, 1)
	h := newHarness(t, nil, alice)
	ch := h.open(t, 0)
	req := alice.sign(solve(t, ch, h.rangeOf(t, alice)))

	if _, err := h.agg.BeginRotation(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := h.do(t, http.MethodPost, "/contribute", req)
	if rec.Code != http.StatusConflict || decodeError(t, rec) != reasonStale {
		t.Errorf("submit to closed round = %d: %s", rec.Code, rec.Body)
	}

	h.open(t, 0)
	rec = h.do(t, http.MethodPost, "/contribute", req)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != reasonOutOfRange {
		t.Errorf("resubmit to next round = %d: %s", rec.Code, rec.Body)
	}
}

func TestContribute_NoActiveRound(t *testing.T) {
	alice := newTestMember(t, 1)
	h := newHarness(t, nil, alice)

	rec := h.do(t, http.MethodPost, "/contribute", alice.sign(pool.NewSolution([16]byte{}, 1)))
	if rec.Code != http.StatusServiceUnavailable || decodeError(t, rec) != reasonNoRound {
		t.Errorf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestContribute_LimiterFailsOpen(t *testing.T) {
	alice := newTestMember(t, 1)
	h := newHarness(t, mockLimiter{err: errors.New("redis down")}, alice)
	ch := h.open(t, 0)

	rec := h.do(t, http.MethodPost, "/contribute", alice.sign(solve(t, ch, h.rangeOf(t, alice))))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestChallenge(t *testing.T) {
	alice := newTestMember(t, 1)
	h := newHarness(t, nil, alice)
	ch := h.open(t, 11)

	rec := h.do(t, http.MethodGet, "/challenge/"+alice.member.Authority.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp ChallengeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	got, err := resp.Challenge.Challenge()
	if err != nil {
		t.Fatal(err)
	}
	if got.RoundID != ch.RoundID || got.Target != ch.Target || got.MinDifficulty != 11 {
		t.Errorf("challenge = %+v, want %+v", got, ch)
	}

	if again := h.rangeOf(t, alice); again != resp.Range() {
		t.Errorf("second allocation %+v differs from %+v", again, resp.Range())
	}
	if h.store.lookups != 1 {
		t.Errorf("store lookups = %d, want 1 (cached)", h.store.lookups)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"unregistered", "/challenge/" + newTestMember(t, 9).member.Authority.String(), http.StatusNotFound},
		{"malformed", "/challenge/not-a-key", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(t, http.MethodGet, tt.path, nil); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestChallenge_SpaceExhausted(t *testing.T) {
	members := make([]testMember, 5)
	for i := range members {
		members[i] = newTestMember(t, uint64(i+1))
	}
	h := newHarness(t, nil, members...)
	h.open(t, 0)

	for _, m := range members[:4] {
		h.rangeOf(t, m)
	}
	rec := h.do(t, http.MethodGet, "/challenge/"+members[4].member.Authority.String(), nil)
	if rec.Code != http.StatusServiceUnavailable || decodeError(t, rec) != reasonExhausted {
		t.Errorf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestRegister(t *testing.T) {
	alice := newTestMember(t, 1)
	bob := newTestMember(t, 0)

	tests := []struct {
		name       string
		body       any
		chainErr   error
		wantStatus int
		wantID     uint64
		wantCalls  int
	}{
		{"existing member", RegisterRequest{Authority: alice.member.Authority.String()}, nil, http.StatusOK, 1, 0},
		{"new member", RegisterRequest{Authority: bob.member.Authority.String()}, nil, http.StatusOK, 77, 1},
		{"confirmation timeout", RegisterRequest{Authority: bob.member.Authority.String()}, pool.ErrConfirmationTimeout, http.StatusGatewayTimeout, 0, 1},
		{"chain failure", RegisterRequest{Authority: bob.member.Authority.String()}, errors.New("rpc down"), http.StatusBadGateway, 0, 1},
		{"malformed authority", RegisterRequest{Authority: "xyz"}, nil, http.StatusBadRequest, 0, 0},
		{"missing authority", "{}", nil, http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, alice)
			h.registrar.err = tt.chainErr

			rec := h.do(t, http.MethodPost, "/register", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if h.registrar.calls != tt.wantCalls {
				t.Errorf("chain calls = %d, want %d", h.registrar.calls, tt.wantCalls)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp MemberResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", resp.ID, tt.wantID)
			}
			if tt.wantCalls == 1 && resp.Pool != h.registrar.Pool().String() {
				t.Errorf("Pool = %s", resp.Pool)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 0)

	if rec := h.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d: %s", rec.Code, rec.Body)
	}

	h.server.health = []HealthCheck{
		{Name: "postgres", Check: func(context.Context) error { return nil }},
		{Name: "chain", Check: func(context.Context) error { return errors.New("node behind") }},
	}
	rec := h.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Healthy bool              `json:"healthy"`
		Checks  map[string]string `json:"checks"`
		Round   struct {
			Status string `json:"status"`
		} `json:"round"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Healthy || body.Checks["postgres"] != "ok" || body.Checks["chain"] != "node behind" {
		t.Errorf("body = %+v", body)
	}
	if body.Round.Status != "open" {
		t.Errorf("round status = %q, want open", body.Round.Status)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}, nil); err == nil {
		t.Error("New() without collaborators should fail")
	}
}

func TestRequestID(t *testing.T) {
	h := newHarness(t, nil)

	first := h.do(t, http.MethodGet, "/health", nil).Header().Get(requestIDHeader)
	second := h.do(t, http.MethodGet, "/health", nil).Header().Get(requestIDHeader)
	if first == "" || first == second {
		t.Errorf("generated ids = %q, %q", first, second)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "miner-7")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "miner-7" {
		t.Errorf("%s = %q, want the client id", requestIDHeader, got)
	}
}
