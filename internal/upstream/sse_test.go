package upstream_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/zsprackett/reload-relay/internal/upstream"
)

func TestDecoderEvents(t *testing.T) {
	stream := ": hello\n\n" +
		"event: reload\n" +
		"data: null\n\n" +
		"event: build-failed\n" +
		"data: {\"error\":\"a\",\n" +
		"data: \"command\":\"b\"}\n" +
		"id: 7\n\n" +
		"data: plain\n\n" +
		"event: reload\n\n"

	dec := upstream.NewDecoder(strings.NewReader(stream))
	want := []upstream.Event{
		{Name: "reload", Data: "null"},
		{Name: "build-failed", Data: "{\"error\":\"a\",\n\"command\":\"b\"}", ID: "7"},
		{Name: "message", Data: "plain"},
		{Name: "reload"},
	}
	for i, w := range want {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got != w {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecoderCRLF(t *testing.T) {
	dec := upstream.NewDecoder(strings.NewReader("event: reload\r\ndata: x\r\n\r\n"))
	got, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "reload" || got.Data != "x" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecoderDropsPartialTrailingEvent(t *testing.T) {
	dec := upstream.NewDecoder(strings.NewReader("event: reload\ndata: x"))
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for unterminated event, got %v", err)
	}
}

func TestDecoderDataWithoutSpace(t *testing.T) {
	dec := upstream.NewDecoder(strings.NewReader("event:build-failed\ndata:{}\n\n"))
	got, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "build-failed" || got.Data != "{}" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf strings.Builder
	in := []upstream.Event{
		{Name: "reload"},
		{Name: "build-failed", Data: "line one\nline two", ID: "3"},
		{Name: "message", Data: "plain"},
	}
	for _, ev := range in {
		if err := upstream.Encode(&buf, ev); err != nil {
			t.Fatal(err)
		}
	}
	if !strings.HasPrefix(buf.String(), "event: reload\ndata: \n\n") {
		t.Errorf("reload framing = %q", buf.String())
	}

	dec := upstream.NewDecoder(strings.NewReader(buf.String()))
	for _, want := range in {
		got, err := dec.Next()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("decoded %+v, want %+v", got, want)
		}
	}
}
