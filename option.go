package x402

import (
	"net/http"
	"time"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/logger"
	"github.com/clawnad/x402/metrics"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = r
	}
}

// WithTimeout bounds each non-streaming round trip and the wait for
// response headers on streams.
func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		x.timeout = t
	}
}

// WithHTTPClient replaces the HTTP client for both request kinds.
func WithHTTPClient(c *http.Client) Option {
	return func(x *X402) {
		x.httpClient = c
		x.streamClient = c
	}
}

// WithPaymentClient replaces the scheme client that signs proofs.
func WithPaymentClient(c clients.Client) Option {
	return func(x *X402) {
		x.payment = c
	}
}

// WithTokenLookup enables a balance check before each signature.
func WithTokenLookup(fn TokenLookup) Option {
	return func(x *X402) {
		x.tokens = fn
	}
}
