package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/logger"
	"github.com/clawnad/x402/stream"
	"github.com/clawnad/x402/types"
	"github.com/clawnad/x402/utils"
)

const challengeBody = `{"x402Version":2,"accepts":[{"scheme":"exact","network":"eip155:10143","amount":"1000","payTo":"0xPAY","asset":"0xUSD"}]}`

type stubSigner struct {
	mu        sync.Mutex
	account   common.Address
	connected bool
	err       error
	calls     int
}

func newStubSigner() *stubSigner {
	return &stubSigner{account: common.HexToAddress("0x1111111111111111111111111111111111111111"), connected: true}
}

func (s *stubSigner) Account() (common.Address, bool) { return s.account, s.connected }

func (s *stubSigner) SignTypedData(context.Context, common.Address, apitypes.TypedData) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "0xdeadbeef", nil
}

func (s *stubSigner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// paywall answers unpaid requests with challenge and paid ones with paid.
type paywall struct {
	hits      atomic.Int32
	mu        sync.Mutex
	proofs    []string
	bodies    []string
	challenge func(w http.ResponseWriter)
	paid      func(w http.ResponseWriter, proof string)
}

func (p *paywall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	proof := r.Header.Get(types.HeaderPayment)

	p.mu.Lock()
	p.bodies = append(p.bodies, string(body))
	if proof != "" {
		p.proofs = append(p.proofs, proof)
	}
	p.mu.Unlock()

	if proof == "" {
		p.challenge(w)
		return
	}
	p.paid(w, proof)
}

func bodyChallenge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = io.WriteString(w, challengeBody)
}

func okJSON(w http.ResponseWriter, _ string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"result":"ok"}`)
}

func newClient(t *testing.T, h http.Handler, opts ...Option) *X402 {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(&types.X402Config{APIURL: srv.URL + "/api/v1"}, opts...)
}

func decodeProof(t *testing.T, header string) types.PaymentProof {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)
	var proof types.PaymentProof
	require.NoError(t, json.Unmarshal(raw, &proof))
	return proof
}

func TestRequestWithPaymentPaysChallenge(t *testing.T) {
	pw := &paywall{challenge: bodyChallenge, paid: okJSON}
	x := newClient(t, pw)
	signer := newStubSigner()

	var out struct {
		Result string `json:"result"`
	}
	err := x.RequestWithPayment(context.Background(), "/agents/summary/summarize", signer, map[string]string{"text": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Result)

	assert.Equal(t, int32(2), pw.hits.Load())
	assert.Equal(t, 1, signer.Calls())
	require.Len(t, pw.proofs, 1)
	assert.Equal(t, pw.bodies[0], pw.bodies[1])

	proof := decodeProof(t, pw.proofs[0])
	assert.Equal(t, 2, proof.X402Version)
	assert.Equal(t, "1000", proof.Payload.Authorization.Value)
	assert.Equal(t, "0xPAY", proof.Payload.Authorization.To)
	assert.Equal(t, "0xdeadbeef", proof.Payload.Signature)
}

func TestRequestWithPaymentNoChallenge(t *testing.T) {
	var sawPayment atomic.Bool
	x := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(types.HeaderPayment) != "" {
			sawPayment.Store(true)
		}
		okJSON(w, "")
	}))
	signer := newStubSigner()

	var out map[string]string
	require.NoError(t, x.RequestWithPayment(context.Background(), "/free", signer, nil, &out))
	assert.Equal(t, "ok", out["result"])
	assert.Zero(t, signer.Calls())
	assert.False(t, sawPayment.Load())
}

func TestRequestWithPaymentForbiddenNeverPays(t *testing.T) {
	var hits atomic.Int32
	x := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// A challenge header on a non-402 response must be ignored.
		w.Header().Set(types.HeaderPaymentRequired, base64.StdEncoding.EncodeToString([]byte(challengeBody)))
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"agent disabled"}`)
	}))
	signer := newStubSigner()

	err := x.RequestWithPayment(context.Background(), "/agents/x", signer, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProtocolError))
	assert.Equal(t, "agent disabled", err.Error())
	assert.Zero(t, signer.Calls())
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequestWithPaymentHeaderChallenge(t *testing.T) {
	envelope := types.PaymentRequired{
		X402Version: 2,
		Accepts: []types.PaymentRequirements{{
			Scheme:  "exact",
			Network: "eip155:10143",
			Amount:  "2500",
			PayTo:   "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		}},
	}
	encoded, err := utils.EncodeHeader(envelope)
	require.NoError(t, err)
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		body   string
	}{
		{"base64 header", encoded, ""},
		{"raw json header", string(raw), ""},
		{"unparseable header falls back to body", "%%%", string(raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pw := &paywall{
				challenge: func(w http.ResponseWriter) {
					w.Header().Set(types.HeaderPaymentRequired, tt.header)
					w.WriteHeader(http.StatusPaymentRequired)
					_, _ = io.WriteString(w, tt.body)
				},
				paid: okJSON,
			}
			x := newClient(t, pw)

			require.NoError(t, x.RequestWithPayment(context.Background(), "/p", newStubSigner(), nil, nil))
			require.Len(t, pw.proofs, 1)
			assert.Equal(t, "2500", decodeProof(t, pw.proofs[0]).Payload.Authorization.Value)
		})
	}
}

func TestExtractPaymentRequiredRoundTrip(t *testing.T) {
	envelope := types.PaymentRequired{
		X402Version: 2,
		Accepts: []types.PaymentRequirements{{
			Scheme:            "exact",
			Network:           "eip155:84532",
			MaxAmountRequired: "10000",
			PayTo:             "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			MaxTimeoutSeconds: 60,
			Extra:             &types.RequirementExtra{Name: "USDC", Version: "2"},
		}},
	}
	encoded, err := utils.EncodeHeader(envelope)
	require.NoError(t, err)

	header := http.Header{}
	header.Set(types.HeaderPaymentRequired, encoded)
	got, err := ExtractPaymentRequired(header, nil)
	require.NoError(t, err)
	assert.Equal(t, envelope, *got)
}

func TestRequestWithPaymentChallengeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"no envelope", `{"error":"payment required"}`, types.ErrConfigError},
		{"not json", `payment required`, types.ErrConfigError},
		{"empty accepts", `{"x402Version":2,"accepts":[]}`, types.ErrNoAcceptableScheme},
		{"invalid requirement", `{"x402Version":2,"accepts":[{"scheme":"exact","network":"eip155:1","amount":"abc","payTo":"0xPAY","asset":"0xUSD"}]}`, types.ErrInvalidRequirements},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pw := &paywall{
				challenge: func(w http.ResponseWriter) {
					w.WriteHeader(http.StatusPaymentRequired)
					_, _ = io.WriteString(w, tt.body)
				},
				paid: okJSON,
			}
			x := newClient(t, pw)
			signer := newStubSigner()

			err := x.RequestWithPayment(context.Background(), "/p", signer, nil, nil)
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
			assert.Zero(t, signer.Calls())
			assert.Equal(t, int32(1), pw.hits.Load())
		})
	}
}

func TestConfigErrorMentionsCORS(t *testing.T) {
	_, err := ExtractPaymentRequired(http.Header{}, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Access-Control-Expose-Headers: PAYMENT-REQUIRED")
}

func TestRequestWithPaymentNoAccount(t *testing.T) {
	pw := &paywall{challenge: bodyChallenge, paid: okJSON}
	x := newClient(t, pw)

	err := x.RequestWithPayment(context.Background(), "/p", &stubSigner{}, nil, nil)
	assert.True(t, types.IsCode(err, types.ErrNoAccount))
	assert.Equal(t, "Please connect your wallet first", types.DisplayMessage(err))
	assert.Equal(t, int32(1), pw.hits.Load())

	err = x.RequestWithPayment(context.Background(), "/p", nil, nil, nil)
	assert.True(t, types.IsCode(err, types.ErrNoAccount))
}

func TestRequestWithPaymentUserRejected(t *testing.T) {
	pw := &paywall{challenge: bodyChallenge, paid: okJSON}
	x := newClient(t, pw)
	signer := newStubSigner()
	signer.err = errors.New("User rejected the request.")

	err := x.RequestWithPayment(context.Background(), "/p", signer, nil, nil)
	assert.True(t, types.IsCode(err, types.ErrUserRejected))
	assert.Equal(t, "Payment cancelled", types.DisplayMessage(err))
	assert.Equal(t, int32(1), pw.hits.Load())
}

func TestRequestWithPaymentSecondChallengeIsTerminal(t *testing.T) {
	pw := &paywall{
		challenge: bodyChallenge,
		paid: func(w http.ResponseWriter, _ string) {
			bodyChallenge(w)
		},
	}
	x := newClient(t, pw)
	signer := newStubSigner()

	err := x.RequestWithPayment(context.Background(), "/p", signer, nil, nil)
	assert.True(t, types.IsCode(err, types.ErrProtocolError))
	assert.Equal(t, 1, signer.Calls())
	assert.Equal(t, int32(2), pw.hits.Load())
}

func TestRequestWithPaymentPaidFailureMessages(t *testing.T) {
	long := strings.Repeat("x", 500)

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"json error", http.StatusBadRequest, `{"error":"invalid signature"}`, "invalid signature"},
		{"nested message", http.StatusBadRequest, `{"error":{"message":"nonce reused"}}`, "nonce reused"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "Bad Gateway"},
		{"json without message", http.StatusInternalServerError, `{"ok":false}`, "payment failed: 500"},
		{"truncated", http.StatusBadRequest, `{"error":"` + long + `"}`, strings.Repeat("x", types.MaxServerMessageLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pw := &paywall{
				challenge: bodyChallenge,
				paid: func(w http.ResponseWriter, _ string) {
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, tt.body)
				},
			}
			x := newClient(t, pw)

			err := x.RequestWithPayment(context.Background(), "/p", newStubSigner(), nil, nil)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrProtocolError))
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestRequestWithPaymentInitialFailureFallback(t *testing.T) {
	x := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{}`)
	}))

	err := x.RequestWithPayment(context.Background(), "/missing", newStubSigner(), nil, nil)
	assert.Equal(t, "request failed: 404", err.Error())

	var xe *types.X402Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, map[string]int{"status": 404}, xe.Data)
}

func TestRequestWithPaymentTimeout(t *testing.T) {
	release := make(chan struct{})
	x := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithTimeout(50*time.Millisecond))
	defer close(release)

	err := x.RequestWithPayment(context.Background(), "/slow", newStubSigner(), nil, nil)
	assert.True(t, types.IsCode(err, types.ErrNetworkError))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestWithPaymentFundsPreflight(t *testing.T) {
	pw := &paywall{challenge: bodyChallenge, paid: okJSON}
	lookup := func(context.Context, string) (clients.ERC20, error) {
		return &poorToken{}, nil
	}
	x := newClient(t, pw, WithTokenLookup(lookup))
	signer := newStubSigner()

	err := x.RequestWithPayment(context.Background(), "/p", signer, nil, nil)
	assert.True(t, types.IsCode(err, types.ErrInsufficientFunds))
	assert.Zero(t, signer.Calls())
}

type poorToken struct{}

func (poorToken) BalanceOf(context.Context, common.Address) (*big.Int, error) { return big.NewInt(1), nil }
func (poorToken) Decimals(context.Context) (uint8, error)                      { return 6, nil }
func (poorToken) AuthorizationState(context.Context, common.Address, [32]byte) (bool, error) {
	return false, nil
}

func sseHandler(lines ...string) func(w http.ResponseWriter, _ string) {
	return func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			_, _ = io.WriteString(w, l)
			flusher.Flush()
		}
	}
}

type streamRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *streamRecorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *streamRecorder) handler() stream.Handler {
	return stream.Handler{
		OnChunk: func(s string) { r.add("chunk:" + s) },
		OnDone:  func() { r.add("done") },
		OnError: func(err error) { r.add("error:" + err.Error()) },
	}
}

func TestRequestStreamWithPayment(t *testing.T) {
	pw := &paywall{
		challenge: bodyChallenge,
		paid: sseHandler(
			"data: {\"content\":\"Hel\"}\n\n",
			"data: {\"content\":\"lo\"}\n\ndata: {\"error\":\"slow down\"}\n\n",
			"data: [DONE]\n\n",
		),
	}
	x := newClient(t, pw)
	signer := newStubSigner()
	rec := &streamRecorder{}

	err := x.RequestStreamWithPayment(context.Background(), "/agents/summary/chat", signer, map[string]any{"messages": []any{}}, rec.handler())
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk:Hel", "chunk:lo", "error:slow down", "done"}, rec.events)
	assert.Equal(t, 1, signer.Calls())
	require.Len(t, pw.proofs, 1)
	assert.Equal(t, "1000", decodeProof(t, pw.proofs[0]).Payload.Authorization.Value)
}

func TestRequestStreamWithoutChallenge(t *testing.T) {
	serve := sseHandler("data: {\"content\":\"free\"}\n")
	x := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serve(w, "") }))
	signer := newStubSigner()
	rec := &streamRecorder{}

	require.NoError(t, x.RequestStreamWithPayment(context.Background(), "/free", signer, nil, rec.handler()))
	assert.Equal(t, []string{"chunk:free", "done"}, rec.events)
	assert.Zero(t, signer.Calls())
}

func TestRequestStreamFailuresBeforeStream(t *testing.T) {
	pw := &paywall{
		challenge: bodyChallenge,
		paid: func(w http.ResponseWriter, _ string) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"bad proof"}`)
		},
	}
	x := newClient(t, pw)
	rec := &streamRecorder{}

	err := x.RequestStreamWithPayment(context.Background(), "/p", newStubSigner(), nil, rec.handler())
	assert.True(t, types.IsCode(err, types.ErrProtocolError))
	assert.Equal(t, "bad proof", err.Error())
	assert.Empty(t, rec.events)

	forbidden := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	err = forbidden.RequestStreamWithPayment(context.Background(), "/p", newStubSigner(), nil, rec.handler())
	assert.Equal(t, "Forbidden", err.Error())
	assert.Empty(t, rec.events)
}

func TestBatchRequestWithPaymentUsesFreshNonces(t *testing.T) {
	pw := &paywall{challenge: bodyChallenge, paid: okJSON}
	x := newClient(t, pw)

	results := x.BatchRequestWithPayment(context.Background(), newStubSigner(), []BatchRequest{
		{Path: "/a"}, {Path: "/b"}, {Path: "/c"},
	})
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.JSONEq(t, `{"result":"ok"}`, string(r.Response))
	}

	require.Len(t, pw.proofs, 3)
	nonces := map[string]struct{}{}
	for _, p := range pw.proofs {
		nonces[decodeProof(t, p).Payload.Authorization.Nonce] = struct{}{}
	}
	assert.Len(t, nonces, 3)
}

func TestBackendBase(t *testing.T) {
	tests := []struct {
		cfg  types.X402Config
		want string
	}{
		{types.X402Config{}, "http://localhost:3001"},
		{types.X402Config{APIURL: "https://api.example.com/api/v1"}, "https://api.example.com"},
		{types.X402Config{APIURL: "https://api.example.com/api/v1/"}, "https://api.example.com"},
		{types.X402Config{APIURL: "https://api.example.com"}, "https://api.example.com"},
		{types.X402Config{APIURL: "https://x/api/v1", BackendBase: "https://agents.example.com/"}, "https://agents.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackendBase(&tt.cfg))
	}

	x := New(&types.X402Config{APIURL: "https://api.example.com/api/v1"})
	assert.Equal(t, "https://api.example.com/agents/summary/summarize", x.URL("/agents/summary/summarize"))
	assert.Equal(t, "https://api.example.com/api/v1/chat", x.URL("api/v1/chat"))
}

func TestPaidResponseSettlementIsLogged(t *testing.T) {
	settled, err := utils.EncodeHeader(types.PaymentResponse{Success: true, Transaction: "0xabc", Network: "eip155:10143"})
	require.NoError(t, err)

	pw := &paywall{challenge: bodyChallenge, paid: func(w http.ResponseWriter, proof string) {
		w.Header().Set(types.HeaderPaymentResponse, settled)
		okJSON(w, proof)
	}}
	core, logs := observer.New(zapcore.InfoLevel)
	x := newClient(t, pw, WithLogger(logger.NewZapLoggerFrom(zap.New(core))))

	require.NoError(t, x.RequestWithPayment(context.Background(), "/paid", newStubSigner(), nil, nil))

	entries := logs.FilterMessage("payment settled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "0xabc", fields["transaction"])
	assert.Equal(t, true, fields["success"])
}

func TestPaymentResponseFromHeader(t *testing.T) {
	_, ok := PaymentResponseFromHeader(http.Header{})
	assert.False(t, ok)

	h := http.Header{}
	h.Set(types.HeaderPaymentResponse, "%%%")
	_, ok = PaymentResponseFromHeader(h)
	assert.False(t, ok)

	value, err := utils.EncodeHeader(types.PaymentResponse{Success: false, ErrorReason: "insufficient_funds"})
	require.NoError(t, err)
	h.Set(types.HeaderPaymentResponse, value)
	pr, ok := PaymentResponseFromHeader(h)
	require.True(t, ok)
	assert.False(t, pr.Success)
	assert.Equal(t, "insufficient_funds", pr.ErrorReason)
}

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, Version, v["library_version"])
	assert.Equal(t, 2, v["protocol_version"])
	assert.Contains(t, v["supported_schemes"], "exact")
}
