// Command imapd is the process entry point: load configuration, wire the
// demo collaborators (bcrypt/SASL auth, in-memory+SQLite mailbox store,
// crypto/tls STARTTLS), start the listener, and drive graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imapd"
	"imapd/auth"
	"imapd/config"
	"imapd/store"
	"imapd/tlsutil"
)

func main() {
	configPath := flag.String("config", "imapd.toml", "path to TOML configuration")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("imapd exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var persist *store.Persistence
	if cfg.Store.DSN != "" {
		persist, err = store.OpenPersistence(cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer persist.Close()
	}

	mem := store.NewMemory(persist)
	accounts := auth.NewStore(mem.ForUser)

	var tlsUpgrade imapd.TlsUpgrade
	if cfg.StartTLSEnabled() {
		upgrader, err := tlsutil.NewUpgrader(cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			return err
		}
		tlsUpgrade = upgrader
	}

	srv := imapd.NewServer(imapd.ServerConfig{
		Accounts:     accounts,
		StoreFactory: mem,
		TLS:          tlsUpgrade,
		MaxMsgSize:   cfg.Server.MaxMsgSize,
		CapsUnauth:   cfg.Capabilities.Unauthenticated,
		CapsAuth:     cfg.Capabilities.Authenticated,
		Logger:       logger,
	})

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	logger.Info("listening", zap.String("addr", cfg.Server.Listen))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
