package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/zsprackett/reload-relay/internal/applog"
	"github.com/zsprackett/reload-relay/internal/backoff"
	"github.com/zsprackett/reload-relay/internal/client"
	"github.com/zsprackett/reload-relay/internal/config"
	"github.com/zsprackett/reload-relay/internal/events"
	"github.com/zsprackett/reload-relay/internal/notify"
)

const (
	ansiReset = "\033[0m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiDim   = "\033[2m"
)

// printer writes one line per build event, coloured when out is a terminal.
type printer struct {
	out   io.Writer
	color bool
	now   func() time.Time
}

func (p printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + ansiReset
}

func (p printer) line(format string, args ...any) {
	stamp := p.now().Format("15:04:05")
	fmt.Fprintf(p.out, "%s %s\n", p.paint(ansiDim, stamp), fmt.Sprintf(format, args...))
}

func (p printer) reload() {
	p.line("%s", p.paint(ansiGreen, "reload"))
}

func (p printer) buildFailed(bf events.BuildFailed) {
	p.line("%s %s", p.paint(ansiRed, "build failed:"), bf.Error)
	if bf.Command != "" {
		fmt.Fprintf(p.out, "  %s\n", p.paint(ansiDim, "$ "+bf.Command))
	}
	for _, l := range strings.Split(strings.TrimRight(bf.Output, "\n"), "\n") {
		if l != "" {
			fmt.Fprintf(p.out, "  %s\n", l)
		}
	}
}

func runWatch(args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", config.DefaultPath(), "config file (.json, .toml or .yaml)")
	relayURL := fs.String("relay", "", "relay WebSocket URL (default from config)")
	upstreamURL := fs.StringP("upstream", "u", "", "build server event stream URL for direct mode")
	direct := fs.Bool("direct", false, "skip the relay and stream from the build server")
	notifyFlag := fs.Bool("notify", false, "send notifications on build failure")
	logLevel := fs.String("log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := loadConfig(*cfgPath)
	logger, logCloser, err := applog.Init(applog.InitConfig{Level: *logLevel, Console: os.Stderr})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	opts := client.Options{
		RelayURL:    cfg.Relay.WebSocketURL(),
		UpstreamURL: cfg.Relay.Upstream,
		Logger:      logger,
	}
	if fs.Changed("relay") {
		opts.RelayURL = *relayURL
	}
	if fs.Changed("upstream") {
		opts.UpstreamURL = *upstreamURL
	}
	if *direct {
		opts.RelayURL = ""
	}

	notifyCfg := notify.Config{
		Enabled: cfg.Notifications.Enabled || *notifyFlag,
		Webhook: cfg.Notifications.Webhook,
		NtfyURL: cfg.Notifications.NtfyURL,
		Desktop: cfg.Notifications.Desktop,
	}
	notifier := notify.New(notifyCfg, logger)

	out := printer{out: os.Stdout, color: term.IsTerminal(int(os.Stdout.Fd())), now: time.Now}
	handlers := client.Handlers{
		Reload: out.reload,
		BuildFailed: func(bf events.BuildFailed) {
			out.buildFailed(bf)
			notifier.Notify(bf)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retry := backoff.NewState(backoff.Policy{
		Base: cfg.Relay.BackoffBase.Std(),
		Max:  cfg.Relay.BackoffMax.Std(),
	})
	for {
		conn, mode, err := client.Dial(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := retry.Failure()
			logger.Warn("watch: connect failed", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()
		out.line("connected (%s)", mode)

		err = client.NewAdapter(conn, handlers, logger).Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		out.line("disconnected: %v", err)
	}
}
