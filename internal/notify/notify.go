package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/zsprackett/reload-relay/internal/events"
)

const maxOutputChars = 1500

// Config holds notification settings.
type Config struct {
	Enabled bool
	Webhook string
	NtfyURL string
	// Desktop raises a system notification on macOS.
	Desktop bool
}

// Notifier reports failed builds to the desktop and optional HTTP targets.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify delivers bf to every configured target. Delivery failures are
// logged, never returned.
func (n *Notifier) Notify(bf events.BuildFailed) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Desktop && runtime.GOOS == "darwin" {
		n.sendSystemNotification(bf)
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(bf)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(bf)
	}
}

func (n *Notifier) sendSystemNotification(bf events.BuildFailed) {
	script := fmt.Sprintf(`display notification %q with title "reload-relay"`, firstLine(bf.Error))
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		n.logger.Warn("notify: desktop notification failed", "err", err)
	}
}

type webhookPayload struct {
	Event     string `json:"event"`
	Error     string `json:"error"`
	Command   string `json:"command,omitempty"`
	Output    string `json:"output,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(bf events.BuildFailed) {
	payload := webhookPayload{
		Event:     string(events.TypeBuildFailed),
		Error:     bf.Error,
		Command:   bf.Command,
		Output:    truncate(bf.Output, maxOutputChars),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(bf events.BuildFailed) {
	msg := firstLine(bf.Error)
	if bf.Command != "" {
		msg = fmt.Sprintf("%s · %s", bf.Command, msg)
	}
	payload := ntfyPayload{
		Title:    "Build failed",
		Message:  msg,
		Priority: 4,
		Tags:     []string{"rotating_light"},
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(target, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: "+target+" post failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notify: "+target+" rejected", "status", resp.StatusCode)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
