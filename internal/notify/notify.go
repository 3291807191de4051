// Package notify reports new uploads to a Discord webhook and to Plausible
// analytics. Delivery is fire-and-forget from the request's point of view: a
// Dispatcher hands events to a background pool or task queue.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/metrics"
	"github.com/dharsanguruparan/ihacdn/internal/model"
)

const (
	userAgent     = "ihacdn/1.0 (+https://github.com/dharsanguruparan/ihacdn)"
	discordName   = "ihaCDN Notificator"
	discordAvatar = "https://p.ihateani.me/static/img/favicon.png"
	timeout       = 10 * time.Second
)

// Event describes one stored object.
type Event struct {
	URL       string     `json:"url"`
	Kind      model.Kind `json:"kind"`
	Admin     bool       `json:"is_admin"`
	IPs       []string   `json:"ips,omitempty"`
	Referrer  string     `json:"referrer,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
}

// NewEvent builds the event for rec stored at url, taking client details
// from r.
func NewEvent(r *http.Request, url string, rec model.Record) Event {
	return Event{
		URL:       url,
		Kind:      rec.Kind(),
		Admin:     rec.IsAdmin(),
		IPs:       ExtractIPs(r.Header),
		Referrer:  r.Referer(),
		UserAgent: r.UserAgent(),
	}
}

// Dispatcher accepts events for background delivery. Dispatch must not block
// on the remote sinks.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// Notifier delivers events synchronously to the configured sinks.
type Notifier struct {
	client          *http.Client
	webhook         string
	plausibleURL    string
	plausibleDomain string
	log             zerolog.Logger
}

// New builds a Notifier from cfg. Sinks that are disabled or incomplete are
// skipped.
func New(cfg *config.Config, logger zerolog.Logger) *Notifier {
	n := &Notifier{
		client: &http.Client{Timeout: timeout},
		log:    logger.With().Str("component", "notify").Logger(),
	}
	if cfg.Notifier.Enable {
		n.webhook = cfg.Notifier.DiscordWebhook
	}
	if cfg.Plausible.Enable && cfg.Plausible.Domain != "" {
		n.plausibleURL = cfg.PlausibleEndpoint()
		n.plausibleDomain = cfg.Plausible.Domain
	}
	return n
}

// Enabled reports whether any sink is configured.
func (n *Notifier) Enabled() bool {
	return n.webhook != "" || n.plausibleURL != ""
}

// Notify delivers ev to every configured sink. Failures of one sink do not
// prevent delivery to the other.
func (n *Notifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	if n.webhook != "" {
		errs = append(errs, n.record("discord", n.Discord(ctx, ev)))
	}
	if n.plausibleURL != "" {
		errs = append(errs, n.record("plausible", n.Plausible(ctx, ev)))
	}
	return errors.Join(errs...)
}

// Discord posts ev to the webhook.
func (n *Notifier) Discord(ctx context.Context, ev Event) error {
	ips := strings.Join(ev.IPs, ", ")
	if ips == "" {
		ips = "Unknown IP"
	}
	lines := []string{fmt.Sprintf("Uploader IPs: **%s**", ips)}
	if ev.Kind == model.KindShort {
		lines = append(lines, fmt.Sprintf("Short URL: **<%s>**", ev.URL))
	} else {
		lines = append(lines, fmt.Sprintf("File: **<%s>**", ev.URL))
	}
	admin := "No"
	if ev.Admin {
		admin = "Yes"
	}
	lines = append(lines, fmt.Sprintf("Is Admin? **%s**", admin))

	payload := map[string]any{
		"content":    strings.Join(lines, "\n"),
		"username":   discordName,
		"avatar_url": discordAvatar,
		"tts":        false,
	}
	return n.post(ctx, n.webhook, payload, map[string]string{"User-Agent": userAgent})
}

// Plausible reports ev as a pageview.
func (n *Notifier) Plausible(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"name":   "pageview",
		"url":    ev.URL,
		"domain": n.plausibleDomain,
		"props": map[string]any{
			"kind":            ev.Kind,
			"is_admin_upload": ev.Admin,
		},
		"interactive": false,
	}
	if ev.Referrer != "" {
		payload["referrer"] = ev.Referrer
	}
	ua := ev.UserAgent
	if ua == "" {
		ua = userAgent
	}
	ips := strings.Join(ev.IPs, ", ")
	return n.post(ctx, n.plausibleURL, payload, map[string]string{
		"User-Agent":                ua,
		"X-Forwarded-For":           ips,
		"X-Forwarded-Plausible-For": ips,
	})
}

func (n *Notifier) post(ctx context.Context, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) record(sink string, err error) error {
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink, "error").Inc()
		n.log.Error().Err(err).Str("sink", sink).Msg("notification failed")
		return fmt.Errorf("%s: %w", sink, err)
	}
	metrics.NotificationsTotal.WithLabelValues(sink, "ok").Inc()
	n.log.Debug().Str("sink", sink).Msg("notification sent")
	return nil
}
