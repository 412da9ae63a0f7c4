// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ztgate/internal/audit"
	"github.com/jeranaias/ztgate/internal/config"
	"github.com/jeranaias/ztgate/internal/security"
	"github.com/jeranaias/ztgate/internal/server"
)

const (
	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = time.Minute
)

// gateway is every long-lived component of a running ztgate, in the order
// they must be closed.
type gateway struct {
	server    *server.Server
	auth      *security.Authenticator
	sessions  security.PreAuthStore
	operators *security.OperatorStore
	ledger    *audit.Ledger
}

// buildGateway wires the ledger, operator store, login pipeline and PDP from
// cfg. On error everything opened so far is closed.
func buildGateway(ctx context.Context, cfg *config.Config) (gw *gateway, err error) {
	gw = &gateway{}
	defer func() {
		if err != nil {
			gw.Close()
			gw = nil
		}
	}()

	if gw.ledger, err = openLedger(ctx, cfg); err != nil {
		return gw, err
	}

	var catalog *security.Catalog
	if cfg.Catalog.Path != "" {
		catalog, err = security.LoadCatalog(cfg.Catalog.Path)
	} else {
		catalog, err = security.DefaultCatalog()
	}
	if err != nil {
		return gw, fmt.Errorf("catalog: %w", err)
	}

	if gw.operators, err = security.LoadOperatorStore(cfg.Operators.Path); err != nil {
		return gw, err
	}
	if cfg.Operators.Path == "" {
		log.Printf("OPERATORS_DEMO | count=%d no operators file configured, using built-in demo operators", gw.operators.Len())
	} else if cfg.Operators.Watch {
		if err = gw.operators.Watch(); err != nil {
			return gw, fmt.Errorf("watch operators: %w", err)
		}
	}

	gw.sessions, cfg = openSessionStore(ctx, cfg)

	trust, err := security.NewDeviceTrustEvaluator(cfg.Trust.Evaluator())
	if err != nil {
		return gw, fmt.Errorf("trust: %w", err)
	}

	key := []byte(cfg.Auth.SigningKey)
	if len(key) == 0 {
		if key, err = security.RandomSigningKey(); err != nil {
			return gw, err
		}
		log.Printf("SIGNING_KEY_EPHEMERAL | tokens will not survive a restart; set auth.signing_key")
	}
	tokens, err := security.NewTokenService(key,
		security.WithTokenTTL(cfg.Auth.AccessTokenTTL()),
		security.WithTokenIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return gw, err
	}

	lockout := security.NewLockoutManager(
		security.WithLockoutEnabled(cfg.Lockout.Enabled),
		security.WithMaxAttempts(cfg.Lockout.MaxAttempts),
		security.WithLockoutDuration(cfg.Lockout.Duration()),
	)

	gw.auth, err = security.NewAuthenticator(security.AuthenticatorDeps{
		Credentials: security.NewCredentialVerifier(gw.operators, cfg.Auth.CredentialTimeout()),
		Secrets:     gw.operators,
		Lockout:     lockout,
		Trust:       trust,
		Sessions:    gw.sessions,
		Codes:       security.NewOneTimeCodeVerifier(cfg.TOTP.OTP()),
		Tokens:      tokens,
		Ledger:      gw.ledger,
		Config:      cfg.Pipeline(),
	})
	if err != nil {
		return gw, err
	}

	pdp := security.NewPolicyDecisionPoint(catalog, gw.ledger)
	if gw.server, err = server.NewServer(server.ConfigFrom(cfg), gw.auth, pdp, gw.ledger); err != nil {
		return gw, err
	}

	log.Printf("GATEWAY_READY | operators=%d resources=%d catalog=%s sessions=%s ledger_seq=%d",
		gw.operators.Len(), len(catalog.IDs()), catalog.Version(), cfg.Storage.SessionBackend, gw.ledger.LastSeq())
	return gw, nil
}

// openLedger opens the audit ledger with its optional SQLite store and
// Kafka export.
func openLedger(ctx context.Context, cfg *config.Config) (*audit.Ledger, error) {
	var opts []audit.LedgerOption
	var store *audit.SQLiteStore
	var sink *audit.KafkaSink

	if cfg.Storage.AuditDBPath != "" {
		s, err := audit.OpenSQLite(cfg.Storage.AuditDBPath)
		if err != nil {
			return nil, err
		}
		store = s
		opts = append(opts, audit.WithStore(store))
	} else {
		log.Printf("AUDIT_MEMORY | storage.audit_db_path not set, ledger will not survive a restart")
	}

	if len(cfg.Audit.KafkaBrokers) > 0 {
		k, err := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			if store != nil {
				store.Close()
			}
			return nil, err
		}
		sink = k
		opts = append(opts, audit.WithSink(sink))
	}

	ledger, err := audit.Open(ctx, opts...)
	if err != nil {
		// Open does not take ownership on failure.
		if store != nil {
			store.Close()
		}
		if sink != nil {
			sink.Close()
		}
		return nil, err
	}
	return ledger, nil
}

// openSessionStore returns the configured pre-auth store. An unreachable
// Redis falls back to memory; the returned config reflects the backend in use.
func openSessionStore(ctx context.Context, cfg *config.Config) (security.PreAuthStore, *config.Config) {
	if cfg.Storage.SessionBackend == "redis" {
		store, err := security.OpenRedisPreAuthStore(ctx,
			cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, cfg.Auth.TombstoneRetention())
		if err == nil {
			return store, cfg
		}
		log.Printf("SESSION_BACKEND_FALLBACK | backend=redis error=%v using=memory", err)
		cfg = cfg.Clone()
		cfg.Storage.SessionBackend = "memory"
	}
	return security.NewMemoryPreAuthStore(
		security.WithTombstoneRetention(cfg.Auth.TombstoneRetention()),
		security.WithSweepInterval(cfg.Auth.SweepInterval()),
	), cfg
}

// Run serves until ctx is done, then shuts down gracefully.
func (gw *gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.server.Start()
	}()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			if n := gw.auth.Lockout().Cleanup(); n > 0 {
				log.Printf("LOCKOUT_CLEANUP | removed=%d", n)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := gw.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		}
	}
}

// Close releases everything buildGateway opened. The ledger goes last so
// nothing can append to a closed ledger.
func (gw *gateway) Close() error {
	var errs []error
	if gw.operators != nil {
		errs = append(errs, gw.operators.Close())
	}
	if gw.sessions != nil {
		errs = append(errs, gw.sessions.Close())
	}
	if gw.ledger != nil {
		errs = append(errs, gw.ledger.Close())
	}
	return errors.Join(errs...)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the HTTP gateway.

Configuration comes from --config (or $ZTGATE_CONFIG, or ./ztgate.toml),
then ZTGATE_* environment variables, then the flags below. The server stops
gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config().Clone()
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return NewConfigError("serve", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := buildGateway(ctx, cfg)
			if err != nil {
				return err
			}
			runErr := gw.Run(ctx)
			if err := gw.Close(); err != nil {
				log.Printf("GATEWAY_CLOSE | error=%v", err)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides server.port)")
	return cmd
}
