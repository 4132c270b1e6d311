package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zsprackett/reload-relay/internal/applog"
	"github.com/zsprackett/reload-relay/internal/backoff"
	"github.com/zsprackett/reload-relay/internal/broker"
	"github.com/zsprackett/reload-relay/internal/config"
	"github.com/zsprackett/reload-relay/internal/db"
	"github.com/zsprackett/reload-relay/internal/upstream"
	"github.com/zsprackett/reload-relay/internal/webserver"
)

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", config.DefaultPath(), "config file (.json, .toml or .yaml)")
	host := fs.String("host", "", "listen host")
	port := fs.IntP("port", "p", 0, "listen port")
	upstreamURL := fs.StringP("upstream", "u", "", "build server event stream URL")
	idleGrace := fs.Duration("idle-grace", 0, "how long the upstream stays open with no tabs")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	noJournal := fs.Bool("no-journal", false, "do not record relay events")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := loadConfig(*cfgPath)
	if fs.Changed("host") {
		cfg.Relay.Host = *host
	}
	if fs.Changed("port") {
		cfg.Relay.Port = *port
	}
	if fs.Changed("upstream") {
		cfg.Relay.Upstream = *upstreamURL
	}
	if fs.Changed("idle-grace") {
		cfg.Relay.IdleGrace = config.Duration(*idleGrace)
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if *noJournal {
		cfg.Journal.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var level slog.LevelVar
	logger, logCloser, err := applog.Init(applog.InitConfig{
		Dir:      cfg.Log.Dir,
		Level:    cfg.Log.Level,
		Console:  os.Stderr,
		LevelVar: &level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		defer logCloser.Close()
	}

	var (
		store   *db.DB
		journal broker.Journal
	)
	if cfg.Journal.Enabled {
		store, err = openDB(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		j := db.NewJournal(store, logger)
		j.Start()
		defer j.Stop()
		journal = j
	}

	transport := upstream.NewHTTPTransport(cfg.Relay.Upstream, upstream.NewStreamClient(upstream.DefaultHeaderTimeout))
	brokerCfg := broker.Config{
		IdleGrace: cfg.Relay.IdleGrace.Std(),
		Backoff: backoff.Policy{
			Base: cfg.Relay.BackoffBase.Std(),
			Max:  cfg.Relay.BackoffMax.Std(),
		},
		Journal: journal,
	}
	newBroker := func() *broker.Broker {
		return broker.New(transport, brokerCfg, logger)
	}

	srv := webserver.New(webserver.Config{
		Addr:         cfg.Relay.Addr(),
		SendBuffer:   cfg.Relay.SendBuffer,
		PingInterval: cfg.Relay.PingInterval.Std(),
		AttachRate:   cfg.Relay.AttachRate,
		AttachBurst:  cfg.Relay.AttachBurst,
	}, newBroker, store, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Relay.Addr(), err)
	}
	logger.Info("relay: ready", "addr", srv.Addr(), "upstream", cfg.Relay.Upstream)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Only the log level is applied live; other settings need a restart.
	if !fs.Changed("log-level") {
		go func() {
			err := config.Watch(ctx, *cfgPath, logger, func(c config.Config) {
				level.Set(applog.ParseLevel(c.Log.Level))
			})
			if err != nil {
				logger.Warn("relay: config watch disabled", "err", err)
			}
		}()
	}
	<-ctx.Done()

	logger.Info("relay: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
