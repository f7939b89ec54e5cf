package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/api"
	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/config"
	"github.com/gatehouselabs/gatehouse/event"
	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
	kvbolt "github.com/gatehouselabs/gatehouse/kv/bolt"
	kvredis "github.com/gatehouselabs/gatehouse/kv/redis"
	"github.com/gatehouselabs/gatehouse/passkey"
	"github.com/gatehouselabs/gatehouse/store"
	storememory "github.com/gatehouselabs/gatehouse/store/memory"
	storepg "github.com/gatehouselabs/gatehouse/store/postgres"
	"github.com/gatehouselabs/gatehouse/token"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)

		// Revocation ledger backend. Redis for multi-instance deployments,
		// otherwise an embedded database under the data directory.
		var kvStore kv.Store
		if cfg.Redis.Addr != "" {
			rs, err := kvredis.NewStoreFromAddr(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer rs.Close()
			kvStore = rs
			logger.Info("revocation ledger on redis", "addr", cfg.Redis.Addr)
		} else {
			if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			bs, err := kvbolt.NewStoreFromFile(filepath.Join(cfg.Server.DataDir, "gatehouse.db"), nil)
			if err != nil {
				return fmt.Errorf("failed to open revocation ledger: %w", err)
			}
			defer bs.Close()
			kvStore = bs
			logger.Info("revocation ledger on embedded store", "dir", cfg.Server.DataDir)
		}

		var users store.Store
		if cfg.Database.DSN != "" {
			pg, err := storepg.NewStoreFromDSN(ctx, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pg.Close()
			users = pg
		} else {
			logger.Warn("no database configured, using the in-memory store")
			users = storememory.NewStore()
		}

		issuer, err := token.NewIssuer(token.NewLedger(kvStore), cfg.SigningKeys(),
			token.WithIssuerName(cfg.Tokens.Issuer),
			token.WithTTLs(cfg.Tokens.AccessTTL, cfg.Tokens.RefreshTTL, cfg.Tokens.ShareTTL),
			token.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		passkeys, err := passkey.NewManager(passkey.Config{
			RPID:          cfg.WebAuthn.RPID,
			RPDisplayName: cfg.WebAuthn.RPDisplayName,
			RPOrigins:     cfg.WebAuthn.Origins,
		}, users, kvStore, passkey.WithLogger(logger))
		if err != nil {
			return err
		}

		publisher, err := buildPublisher(cfg, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()

		// Live view of the configuration. The watcher swaps it on file
		// edits and invalidates the settings cache, so lockout thresholds
		// apply without a restart. Listener and store changes still need
		// one.
		current := &atomic.Pointer[config.Config]{}
		current.Store(cfg)
		settings := auth.NewSettingsCache(func(ctx context.Context) (auth.SecuritySettings, error) {
			return current.Load().SecuritySettings(), nil
		}, 30*time.Second)

		if configPath != "" {
			watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
				current.Store(next)
				settings.Invalidate()
			}, logger)
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Stop()
		}

		proxies, err := cfg.TrustedProxies()
		if err != nil {
			return err
		}

		a, err := api.New(users, kvStore, issuer, passkeys,
			api.WithLogger(logger),
			api.WithEvents(publisher),
			api.WithSettings(settings),
			api.WithTrustedProxies(proxies...),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert",
					"type", string(e.Type),
					"message", e.Message,
					"count", e.Count,
					"threshold", e.Threshold)
			}),
		)
		if err != nil {
			return err
		}

		go a.SweepThrottle(ctx, time.Minute)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", a.MetricsHandler())
		r.Mount("/api/v1", a.Router())

		tlsConfig, err := buildTLSConfig(cfg.Server)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s...\n", cfg.Server.Addr)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildPublisher assembles the event sinks named in the config. With no
// sink configured events still land in the structured log.
func buildPublisher(cfg *config.Config, logger *slog.Logger) (event.Publisher, error) {
	var pubs []event.Publisher
	if cfg.Events.NATSURL != "" {
		np, err := event.ConnectNATS(cfg.Events.NATSURL)
		if err != nil {
			return nil, err
		}
		logger.Info("publishing events to nats", "url", cfg.Events.NATSURL)
		pubs = append(pubs, np)
	}
	if cfg.Events.WebhookURL != "" {
		logger.Info("publishing events to webhook", "url", cfg.Events.WebhookURL)
		pubs = append(pubs, event.NewWebhookPublisher(cfg.Events.WebhookURL, cfg.Events.WebhookAuth, logger))
	}
	if len(pubs) == 0 {
		return event.NewLogPublisher(logger), nil
	}
	return event.NewFanout(pubs...), nil
}

func buildTLSConfig(sc config.ServerConfig) (*tls.Config, error) {
	if sc.TLSCert != "" && sc.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	cert, err := util.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	fmt.Println("Using self-signed runtime generated certificate for TLS")
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
}
