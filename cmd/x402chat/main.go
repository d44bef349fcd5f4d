package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	x402 "github.com/clawnad/x402"
	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/config"
	"github.com/clawnad/x402/logger"
	"github.com/clawnad/x402/metrics"
)

var (
	cfgPath     string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "x402chat",
	Short:         "Call and chat with x402 payment-gated agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}

// app bundles what every paid command needs.
type app struct {
	cfg    *config.Config
	client *x402.X402
	signer *clients.PrivateKeySigner
	log    logger.Logger
	close  func()
}

func newApp(ctx context.Context, needSigner bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	a := &app{cfg: cfg, log: log, close: func() {}}
	if z, ok := log.(*logger.ZapLogger); ok {
		a.close = func() { _ = z.Sync() }
	}

	opts := []x402.Option{x402.WithLogger(log)}

	if cfg.MetricsAddr != "" {
		rec, err := serveMetrics(ctx, cfg.MetricsAddr, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, x402.WithMetrics(rec))
	}

	if cfg.RPCURL != "" {
		opts = append(opts, x402.WithTokenLookup(rpcTokenLookup(cfg.RPCURL)))
	}

	if key := config.PrivateKey(); key != "" {
		signer, err := clients.NewPrivateKeySigner(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.EnvPrivateKey, err)
		}
		a.signer = signer
	} else if needSigner {
		return nil, fmt.Errorf("%s is not set", config.EnvPrivateKey)
	}

	a.client = x402.New(cfg.X402(), opts...)
	return a, nil
}

// rpcTokenLookup dials a fresh reader per asset. The connection lives for
// the rest of the process, which is one command invocation.
func rpcTokenLookup(rpcURL string) x402.TokenLookup {
	return func(ctx context.Context, asset string) (clients.ERC20, error) {
		reader, _, err := clients.DialTokenReader(ctx, rpcURL, asset)
		if err != nil {
			return nil, err
		}
		return reader, nil
	}
}

func serveMetrics(ctx context.Context, addr string, log logger.Logger) (metrics.Recorder, error) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheusRecorder(reg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", map[string]any{"addr": addr, "error": err})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", map[string]any{"addr": addr})
	return rec, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
