package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/zsprackett/reload-relay/internal/config"
)

func runEvents(args []string) error {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", config.DefaultPath(), "config file (.json, .toml or .yaml)")
	limit := fs.IntP("limit", "n", 20, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *limit < 1 {
		return errors.New("--limit must be positive")
	}

	cfg := loadConfig(*cfgPath)
	store, err := openDB(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	evts, err := store.RecentEvents(*limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i := len(evts) - 1; i >= 0; i-- {
		e := evts[i]
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Ts.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Detail)
	}
	return w.Flush()
}
