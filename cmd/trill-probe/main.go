package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trill/internal/adapter/gateway"
	"trill/internal/adapter/store"
	"trill/internal/domain"
	"trill/internal/infra/config"
	"trill/internal/infra/logger"
	"trill/internal/infra/tracer"
	"trill/internal/usecase/dispatch"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`trill-probe - gateway connection probe

USAGE:
    trill-probe [FLAGS]
    trill-probe encrypt <value>

COMMANDS:
    encrypt     Encrypt a secret for use in the config file
                (reads the passphrase from TRILL_CONFIG_KEY)

    (no command) - Connect to the configured gateway and log events

FLAGS:
    -config PATH   Config file (default: trill.yaml)

ENVIRONMENT:
    TRILL_GATEWAY_TOKEN   Gateway token (overrides config)
    TRILL_CONFIG_KEY      Passphrase for enc: config secrets
    TRILL_LOGGER_LEVEL    debug, info, warn, error`)
}

// runEncrypt produces an enc:-prefixed value for the config file.
func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: trill-probe encrypt <value>")
	}
	passphrase := os.Getenv("TRILL_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("TRILL_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func run() error {
	cfgPath := flag.String("config", "trill.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracerShutdown(shutdownCtx)
	}()

	var sessions gateway.SessionStore
	if cfg.Session.Persist {
		sqlStore, err := store.NewSQLiteSessionStore(cfg.Session.Path)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer sqlStore.Close()
		sessions = sqlStore
	}

	dispatcher := dispatch.New(log)
	defer dispatcher.Close()

	client := gateway.New(cfg.Gateway, dispatcher, sessions, log)

	// The probe just logs what flows by.
	dispatcher.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		log.Info("event",
			"kind", string(ev.Kind),
			"seq", ev.Sequence,
			"bytes", len(ev.Data),
		)
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		client.Close()
	}()

	log.Info("connecting", "url", cfg.Gateway.URL, "shard", cfg.Gateway.ShardID)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
