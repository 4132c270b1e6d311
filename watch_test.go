package main

import (
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/reload-relay/internal/events"
)

func fixedPrinter(buf *strings.Builder, color bool) printer {
	return printer{
		out:   buf,
		color: color,
		now:   func() time.Time { return time.Date(2026, 1, 1, 9, 30, 0, 0, time.Local) },
	}
}

func TestPrinterBuildFailedPlain(t *testing.T) {
	var buf strings.Builder
	p := fixedPrinter(&buf, false)
	p.buildFailed(events.BuildFailed{
		Error:   "exit status 1",
		Command: "go build -o ./tmp/main .",
		Output:  "main.go:3:2: undefined: x\n",
	})

	want := "09:30:00 build failed: exit status 1\n" +
		"  $ go build -o ./tmp/main .\n" +
		"  main.go:3:2: undefined: x\n"
	if buf.String() != want {
		t.Errorf("got %q\nwant %q", buf.String(), want)
	}
}

func TestPrinterReloadColored(t *testing.T) {
	var buf strings.Builder
	p := fixedPrinter(&buf, true)
	p.reload()
	if !strings.Contains(buf.String(), ansiGreen+"reload"+ansiReset) {
		t.Errorf("expected coloured reload, got %q", buf.String())
	}
}
