// Package x402 is a client for HTTP 402 payment-gated agent endpoints. It
// performs the initial request, answers a payment challenge with a signed
// EIP-3009 authorization and replays the request with the proof attached.
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/logger"
	"github.com/clawnad/x402/metrics"
	"github.com/clawnad/x402/stream"
	"github.com/clawnad/x402/types"
	"github.com/clawnad/x402/utils"
)

const (
	DefaultAPIURL  = "http://localhost:3001/api/v1"
	DefaultTimeout = 30 * time.Second

	apiPathSuffix = "/api/v1"

	// maxErrorBody bounds how much of a 402 or error response is read.
	maxErrorBody = 1 << 20

	batchConcurrency = 4
)

// TokenLookup returns a reader for the token contract at asset.
type TokenLookup func(ctx context.Context, asset string) (clients.ERC20, error)

// X402 is the main struct that provides the paid request flow
type X402 struct {
	config       *types.X402Config
	backendBase  string
	httpClient   *http.Client
	streamClient *http.Client
	payment      clients.Client
	tokens       TokenLookup
	logger       logger.Logger
	metrics      metrics.Recorder
	timeout      time.Duration
}

// New creates a new X402 instance with the given configuration
func New(config *types.X402Config, opts ...Option) *X402 {
	if config == nil {
		config = &types.X402Config{}
	}

	x := &X402{
		config:  config,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: DefaultTimeout,
	}
	if config.DefaultTimeout > 0 {
		x.timeout = config.DefaultTimeout
	}

	for _, opt := range opts {
		opt(x)
	}

	x.backendBase = BackendBase(config)

	if x.httpClient == nil {
		x.httpClient = &http.Client{}
	}
	if x.streamClient == nil {
		x.streamClient = newStreamClient(x.timeout)
	}
	if x.payment == nil {
		x.payment = clients.NewEVMClient(clients.EVMClientConfig{
			DefaultChainID: config.DefaultChainID,
			Logger:         x.logger,
		})
	}

	return x
}

// NewWithDefaults creates a new X402 instance with default configuration
func NewWithDefaults(opts ...Option) *X402 {
	return New(&types.X402Config{
		APIURL:         DefaultAPIURL,
		DefaultTimeout: DefaultTimeout,
		DefaultChainID: types.DefaultChainID,
		LogLevel:       "info",
	}, opts...)
}

// BackendBase returns the root agent routes live under: the configured
// BackendBase, or the API URL with its /api/v1 segment removed.
func BackendBase(config *types.X402Config) string {
	if config.BackendBase != "" {
		return strings.TrimRight(config.BackendBase, "/")
	}
	api := config.APIURL
	if api == "" {
		api = DefaultAPIURL
	}
	return strings.TrimRight(strings.Replace(api, apiPathSuffix, "", 1), "/")
}

// Streams have no overall deadline; only the wait for response headers
// is bounded.
func newStreamClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// URL resolves path against the backend base.
func (x *X402) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return x.backendBase + path
}

// RequestWithPayment POSTs body to path and decodes the JSON response into
// out (which may be nil). A 402 challenge is answered once with a payment
// signed by signer.
func (x *X402) RequestWithPayment(ctx context.Context, path string, signer clients.TypedDataSigner, body, out any) error {
	start := time.Now()
	defer func() {
		x.metrics.ObserveLatency(metrics.EventRequest, time.Since(start), nil)
	}()

	payload, err := encodeBody(body)
	if err != nil {
		return err
	}
	url := x.URL(path)

	status, header, respBody, err := x.roundTrip(ctx, url, payload, "")
	if err != nil {
		return err
	}
	x.metrics.IncCounter(metrics.EventRequest, nil)

	if isSuccess(status) {
		return decodeResult(respBody, out)
	}
	if status != http.StatusPaymentRequired {
		return x.fail(responseError(status, respBody, "request failed"))
	}

	proof, req, err := x.answerChallenge(ctx, header, respBody, signer)
	if err != nil {
		return err
	}

	status, header, respBody, err = x.roundTrip(ctx, url, payload, proof)
	if err != nil {
		return err
	}
	if err := x.checkPaid(status, respBody, req); err != nil {
		return err
	}
	x.logSettlement(path, header)

	x.logger.Info("paid request completed", map[string]any{"path": path, "network": req.Network})
	return decodeResult(respBody, out)
}

// RequestStreamWithPayment performs the same challenge flow and feeds the
// successful response body to h as server-sent events. Failures before the
// stream starts are returned; failures while streaming go to h.OnError.
func (x *X402) RequestStreamWithPayment(ctx context.Context, path string, signer clients.TypedDataSigner, body any, h stream.Handler) error {
	payload, err := encodeBody(body)
	if err != nil {
		return err
	}
	url := x.URL(path)

	resp, err := x.send(ctx, x.streamClient, url, payload, "")
	if err != nil {
		return err
	}
	x.metrics.IncCounter(metrics.EventRequest, nil)

	if !isSuccess(resp.StatusCode) {
		status, header := resp.StatusCode, resp.Header
		respBody := readLimited(resp)

		if status != http.StatusPaymentRequired {
			return x.fail(responseError(status, respBody, "request failed"))
		}

		proof, req, err := x.answerChallenge(ctx, header, respBody, signer)
		if err != nil {
			return err
		}

		resp, err = x.send(ctx, x.streamClient, url, payload, proof)
		if err != nil {
			return err
		}
		if !isSuccess(resp.StatusCode) {
			return x.checkPaid(resp.StatusCode, readLimited(resp), req)
		}
		x.logSettlement(path, resp.Header)
	}
	defer resp.Body.Close()

	chunks := 0
	counted := h
	counted.OnChunk = func(text string) {
		chunks++
		x.metrics.IncCounter(metrics.EventStreamChunk, nil)
		if h.OnChunk != nil {
			h.OnChunk(text)
		}
	}
	counted.OnError = func(err error) {
		x.metrics.IncCounter(metrics.EventStreamError, nil)
		x.logger.Warn("stream error event", map[string]any{"path": path, "error": err})
		if h.OnError != nil {
			h.OnError(err)
		}
	}

	err = stream.Read(ctx, resp.Body, counted)
	x.logger.Debug("stream finished", map[string]any{"path": path, "chunks": chunks})
	return err
}

// BatchRequest is one entry of BatchRequestWithPayment.
type BatchRequest struct {
	Path string
	Body any
}

// BatchResult holds the decoded response or the failure of one request.
type BatchResult struct {
	Response json.RawMessage
	Err      error
}

// BatchRequestWithPayment runs independent paid requests concurrently.
// Each request signs its own proof. Results keep request order.
func (x *X402) BatchRequestWithPayment(ctx context.Context, signer clients.TypedDataSigner, requests []BatchRequest) []BatchResult {
	results := make([]BatchResult, len(requests))

	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, r := range requests {
		g.Go(func() error {
			var raw json.RawMessage
			err := x.RequestWithPayment(ctx, r.Path, signer, r.Body, &raw)
			results[i] = BatchResult{Response: raw, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// answerChallenge extracts the first accepted requirement from a 402
// response and signs a proof for it.
func (x *X402) answerChallenge(ctx context.Context, header http.Header, body []byte, signer clients.TypedDataSigner) (string, *types.PaymentRequirements, error) {
	envelope, err := ExtractPaymentRequired(header, body)
	if err != nil {
		return "", nil, x.fail(err)
	}
	x.metrics.IncCounter(metrics.EventPaymentRequired, nil)

	if len(envelope.Accepts) == 0 {
		return "", nil, x.fail(types.NewError(types.ErrNoAcceptableScheme, "no acceptable payment scheme found", nil))
	}
	req := &envelope.Accepts[0]
	labels := map[string]string{"network": req.Network}

	x.logger.Info("payment required", map[string]any{
		"network": req.Network,
		"scheme":  req.Scheme,
		"amount":  req.PaymentAmount(),
		"payTo":   req.PayTo,
	})

	if x.tokens != nil && signer != nil {
		if err := x.preflight(ctx, req, signer); err != nil {
			return "", nil, x.fail(err)
		}
	}

	proof, err := x.payment.CreatePayment(ctx, req, signer)
	if err != nil {
		if types.IsCode(err, types.ErrUserRejected) {
			x.metrics.IncCounter(metrics.EventPaymentRejected, labels)
			x.logger.Info("payment cancelled by user", map[string]any{"network": req.Network})
			return "", nil, err
		}
		return "", nil, x.fail(err)
	}

	x.metrics.IncCounter(metrics.EventPaymentSigned, labels)
	return proof, req, nil
}

func (x *X402) preflight(ctx context.Context, req *types.PaymentRequirements, signer clients.TypedDataSigner) error {
	account, ok := signer.Account()
	if !ok {
		return nil
	}
	token, err := x.tokens(ctx, req.Asset)
	if err != nil {
		return types.NewError(types.ErrNetworkError, "failed to reach token contract", err)
	}
	return clients.CheckFunds(ctx, token, account, req)
}

// checkPaid classifies the response to the paid retry. A second 402 is
// terminal; the proof is not re-signed.
func (x *X402) checkPaid(status int, body []byte, req *types.PaymentRequirements) error {
	if isSuccess(status) {
		return nil
	}

	var err *types.X402Error
	if status == http.StatusPaymentRequired {
		err = responseError(status, body, "payment failed")
		err.Message = "payment rejected by server: " + err.Message
	} else {
		err = responseError(status, body, "payment failed")
	}

	x.logger.Warn("paid request failed", map[string]any{
		"network": req.Network,
		"status":  status,
		"error":   err.Message,
	})
	return x.fail(err)
}

// PaymentResponseFromHeader decodes the X-PAYMENT-RESPONSE header of a
// paid response. ok is false when it is absent or unreadable.
func PaymentResponseFromHeader(header http.Header) (*types.PaymentResponse, bool) {
	value := header.Get(types.HeaderPaymentResponse)
	if value == "" {
		return nil, false
	}
	var pr types.PaymentResponse
	if err := utils.DecodeHeader(value, &pr); err != nil {
		return nil, false
	}
	return &pr, true
}

func (x *X402) logSettlement(path string, header http.Header) {
	pr, ok := PaymentResponseFromHeader(header)
	if !ok {
		return
	}
	x.logger.Info("payment settled", map[string]any{
		"path":        path,
		"success":     pr.Success,
		"transaction": pr.Transaction,
		"network":     pr.Network,
	})
}

func (x *X402) fail(err error) error {
	x.metrics.IncCounter(metrics.EventPaymentFailed, map[string]string{"code": types.ErrorCode(err)})
	return err
}

// ExtractPaymentRequired locates the PaymentRequired envelope of a 402
// response: the PAYMENT-REQUIRED header first, then the body.
func ExtractPaymentRequired(header http.Header, body []byte) (*types.PaymentRequired, error) {
	if value := header.Get(types.HeaderPaymentRequired); value != "" {
		if pr, err := utils.ParsePaymentRequiredHeader(value); err == nil {
			return pr, nil
		}
	}

	if pr, err := utils.ParsePaymentRequiredBody(body); err == nil {
		return pr, nil
	}

	return nil, types.NewError(types.ErrConfigError,
		"could not read payment requirements; the backend may need to add "+
			"Access-Control-Expose-Headers: "+types.HeaderPaymentRequired+" to its CORS config", nil)
}

// roundTrip performs one bounded POST and reads the whole response.
func (x *X402) roundTrip(ctx context.Context, url string, payload []byte, proof string) (int, http.Header, []byte, error) {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	resp, err := x.send(ctx, x.httpClient, url, payload, proof)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	limit := int64(-1)
	if !isSuccess(resp.StatusCode) {
		limit = maxErrorBody
	}
	body, err := readBody(resp.Body, limit)
	if err != nil {
		return 0, nil, nil, types.NewError(types.ErrNetworkError, "failed to read response", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (x *X402) send(ctx context.Context, client *http.Client, url string, payload []byte, proof string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "invalid request URL", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if proof != "" {
		req.Header.Set(types.HeaderPayment, proof)
	}

	resp, err := client.Do(req)
	if err != nil {
		// The cause keeps context.Canceled / DeadlineExceeded visible to errors.Is.
		return nil, types.NewError(types.ErrNetworkError, "request failed", err)
	}
	return resp, nil
}

func readLimited(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := readBody(resp.Body, maxErrorBody)
	return body
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return io.ReadAll(r)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "failed to encode request body", err)
	}
	return data, nil
}

func decodeResult(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewError(types.ErrProtocolError, "invalid JSON response", err)
	}
	return nil
}

// responseError builds a PROTOCOL_ERROR from a failed response: the JSON
// error message, else the status text for non-JSON bodies, else
// "<prefix>: <status>".
func responseError(status int, body []byte, prefix string) *types.X402Error {
	msg, isJSON := utils.ServerMessage(body)
	if msg == "" && !isJSON {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = fmt.Sprintf("%s: %d", prefix, status)
	}

	return &types.X402Error{
		Code:    types.ErrProtocolError,
		Message: types.Truncate(msg, types.MaxServerMessageLen),
		Data:    map[string]int{"status": status},
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = int(types.X402Version2)
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_schemes": []string{
			string(types.SchemeExact),
		},
		"supported_standards": []string{
			"eip3009",
		},
	}
}
