package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	broker "github.com/cmsbridge/mcp-broker"
	"github.com/cmsbridge/mcp-broker/idp"
	"github.com/cmsbridge/mcp-broker/instrumentation"
	"github.com/cmsbridge/mcp-broker/mcptools"
	"github.com/cmsbridge/mcp-broker/security"
	"github.com/cmsbridge/mcp-broker/storage"
	"github.com/cmsbridge/mcp-broker/storage/memory"
	"github.com/cmsbridge/mcp-broker/storage/sqlite"
	"github.com/cmsbridge/mcp-broker/storage/valkey"
)

// Environment variables consumed by serve beyond the broker's own FromEnv set.
const (
	envClientID      = "BROKER_CLIENT_ID"
	envClientSecret  = "BROKER_CLIENT_SECRET"
	envEncryptionKey = "BROKER_ENCRYPTION_KEY"
	envValkeyPass    = "BROKER_VALKEY_PASSWORD"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	transport      string
	listenAddr     string
	storageBackend string
	sqliteDSN      string
	valkeyAddr     string
	register       bool
	clientName     string
	telemetry      bool
	debug          bool
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker and serve MCP tools",
		Long: `Serve starts the token broker and exposes the provisioning tool surface
over the chosen MCP transport.

Broker configuration comes from the environment (BROKER_ISSUER_URL,
BROKER_SERVER_AUDIENCE, BROKER_RESOURCE_AUDIENCE, BROKER_OFFLINE_ACCESS,
BROKER_REDIRECT_URI, BROKER_PROVISIONING_SCOPES, BROKER_AUDIT_LOGGING).
Client credentials come from BROKER_CLIENT_ID/BROKER_CLIENT_SECRET or via
dynamic registration with --register.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", "stdio", "MCP transport: stdio or http")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", ":8080", "listen address for the http transport")
	cmd.Flags().StringVar(&opts.storageBackend, "storage", "memory", "credential store backend: memory, sqlite, or valkey")
	cmd.Flags().StringVar(&opts.sqliteDSN, "sqlite-dsn", "broker.db", "SQLite database path for --storage=sqlite")
	cmd.Flags().StringVar(&opts.valkeyAddr, "valkey-addr", "localhost:6379", "Valkey address for --storage=valkey")
	cmd.Flags().BoolVar(&opts.register, "register", false, "register this client dynamically at the identity provider on first run")
	cmd.Flags().StringVar(&opts.clientName, "client-name", "mcp-broker", "client name sent during dynamic registration")
	cmd.Flags().BoolVar(&opts.telemetry, "telemetry", false, "enable OpenTelemetry metrics and tracing")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	// Stdout carries the stdio transport; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, issuer, err := broker.FromEnv()
	if err != nil {
		return fmt.Errorf("broker configuration: %w", err)
	}
	cfg.Logger = logger

	adapter, err := idp.New(idp.Config{
		IssuerURL:    issuer,
		ClientID:     os.Getenv(envClientID),
		ClientSecret: os.Getenv(envClientSecret),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("identity provider adapter: %w", err)
	}

	store, closeStore, err := openStore(opts, logger)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	defer closeStore()

	b, err := broker.New(cfg, store, adapter, nil)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer b.Stop()

	if opts.telemetry {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName:    "mcp-broker",
			ServiceVersion: version,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("instrumentation: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := inst.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Instrumentation shutdown failed", "error", err)
			}
		}()
		b.SetInstrumentation(inst)
	}

	if opts.register {
		if err := b.EnsureRegistration(ctx, adapter, broker.RegistrarConfig{
			ClientName: opts.clientName,
			Scopes:     registrationScopes(b, cfg),
		}); err != nil {
			return fmt.Errorf("client registration: %w", err)
		}
	}

	guard := broker.NewGuard(b, adapter, adapter)
	mcpSrv := mcptools.NewServer("mcp-broker", version, guard, b)

	switch opts.transport {
	case "stdio":
		// Provisioning completes over a browser redirect even when tools
		// are served on stdio, so the callback listener runs alongside.
		if cfg.OfflineAccess {
			stopCallback := startCallbackListener(b, opts.listenAddr, logger)
			defer stopCallback()
		}
		logger.Info("Serving MCP over stdio")
		return mcpserver.ServeStdio(mcpSrv)
	case "http":
		return serveHTTP(ctx, mcpSrv, b, opts.listenAddr, logger)
	default:
		return fmt.Errorf("unsupported transport %q", opts.transport)
	}
}

func serveHTTP(ctx context.Context, mcpSrv *mcpserver.MCPServer, b *broker.Broker, addr string, logger *slog.Logger) error {
	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath("/mcp"),
		mcpserver.WithHTTPContextFunc(mcptools.HTTPContextFunc),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.Handle("/callback", mcptools.CallbackHandler(b, logger))
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving MCP over HTTP", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// startCallbackListener serves only the provisioning callback. The stdio
// transport has no HTTP surface of its own, but the identity provider still
// needs a reachable redirect endpoint matching BROKER_REDIRECT_URI.
func startCallbackListener(b *broker.Broker, addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/callback", mcptools.CallbackHandler(b, logger))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("Serving provisioning callback", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Callback listener failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// openStore builds the selected credential store backend. When
// BROKER_ENCRYPTION_KEY is set (64 hex chars, an AES-256 key), refresh tokens
// are encrypted at rest.
func openStore(opts *serveOptions, logger *slog.Logger) (storage.Store, func(), error) {
	var enc *security.Encryptor
	if keyHex := os.Getenv(envEncryptionKey); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s: %w", envEncryptionKey, err)
		}
		enc, err = security.NewEncryptor(key)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s: %w", envEncryptionKey, err)
		}
	} else {
		logger.Warn("No encryption key configured; refresh tokens are stored in plaintext",
			"env", envEncryptionKey)
	}

	switch opts.storageBackend {
	case "memory":
		s := memory.New()
		s.SetLogger(logger)
		s.SetEncryptor(enc)
		return s, s.Stop, nil
	case "sqlite":
		s, err := sqlite.New(opts.sqliteDSN)
		if err != nil {
			return nil, nil, err
		}
		s.SetLogger(logger)
		s.SetEncryptor(enc)
		return s, func() { _ = s.Close() }, nil
	case "valkey":
		s, err := valkey.New(valkey.Config{
			Address:  opts.valkeyAddr,
			Password: os.Getenv(envValkeyPass),
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		s.SetEncryptor(enc)
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", opts.storageBackend)
	}
}

// registrationScopes is the union of everything the broker may request: the
// provisioning scope set plus every scope in the operation policy.
func registrationScopes(b *broker.Broker, cfg broker.Config) []string {
	seen := map[string]struct{}{}
	out := []string{}
	add := func(sc string) {
		if _, ok := seen[sc]; !ok {
			seen[sc] = struct{}{}
			out = append(out, sc)
		}
	}

	for _, sc := range strings.Fields(broker.DefaultProvisioningScope) {
		add(sc)
	}
	for _, sc := range cfg.ProvisioningScopes {
		add(sc)
	}
	policy := b.Policy()
	for _, op := range policy.Operations() {
		required, err := policy.RequiredScopes(op)
		if err != nil {
			continue
		}
		for _, sc := range required.Slice() {
			add(sc)
		}
	}
	return out
}
