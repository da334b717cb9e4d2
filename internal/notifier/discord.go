package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DiscordNotifier posts terminal batch states to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	client     *http.Client

	mu       sync.Mutex
	progress Progress
}

// NewDiscordNotifier creates a notifier posting to webhookURL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// StateChanged posts completed, failed and storage related states in the background.
func (d *DiscordNotifier) StateChanged(ctx context.Context, s State) {
	content, ok := d.message(s)
	if !ok {
		return
	}

	ctx = context.WithoutCancel(ctx)

	go func() {
		if err := d.Notify(ctx, content); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "state", s.String(), "err", err)
		}
	}()
}

// ProgressChanged keeps the latest totals for the next message.
func (d *DiscordNotifier) ProgressChanged(_ context.Context, p Progress) {
	d.mu.Lock()
	d.progress = p
	d.mu.Unlock()
}

func (d *DiscordNotifier) message(s State) (string, bool) {
	d.mu.Lock()
	p := d.progress
	d.mu.Unlock()

	switch {
	case s == Completed:
		return fmt.Sprintf("✅ Expansion files downloaded (%s)", humanize.Bytes(uint64(max(p.OverallTotal, 0)))), true
	case s.IsFailure(), s == PausedSDCardUnavailable:
		return fmt.Sprintf("❌ Expansion file download stopped: %s (%s of %s)",
			s,
			humanize.Bytes(uint64(max(p.OverallProgress, 0))),
			humanize.Bytes(uint64(max(p.OverallTotal, 0))),
		), true
	default:
		return "", false
	}
}

// Notify posts content to the webhook.
func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
