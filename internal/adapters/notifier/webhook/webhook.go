// Package webhook delivers fire-and-forget alert events over HTTP GET. The
// URL is a template with {event}, {mobile}, {channel}, and {detail} placeholders.
// Delivery failures are logged and dropped; a token bucket caps the outbound
// request rate so an alert storm cannot amplify itself.
package webhook

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/logger"
)

const (
	requestTimeout = 10 * time.Second
	burstFactor    = 2
)

// Notifier implements ports.Notifier over an HTTP GET webhook.
type Notifier struct {
	urlTemplate string
	client      *http.Client
	limiter     *rate.Limiter
}

var _ ports.Notifier = (*Notifier)(nil)

// New builds a Notifier. urlTemplate must be a valid URL once placeholders
// are substituted; rps bounds outbound requests per second.
func New(urlTemplate string, rps int) *Notifier {
	if rps <= 0 {
		rps = 1
	}
	return &Notifier{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: requestTimeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), rps*burstFactor),
	}
}

// Notify fires one GET for the event. It blocks only on the rate limiter;
// HTTP errors and non-2xx responses are logged and otherwise ignored.
func (n *Notifier) Notify(ctx context.Context, event ports.NotifyEvent) {
	if n == nil || n.urlTemplate == "" {
		return
	}

	target := expandTemplate(n.urlTemplate, event)
	if _, err := url.Parse(target); err != nil {
		logger.Warnf("webhook: invalid target url for event %s: %v", event.Kind, err)
		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.Warnf("webhook: build request for event %s: %v", event.Kind, err)
		return
	}

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warnf("webhook: deliver event %s: %v", event.Kind, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warnf("webhook: event %s got status %d", event.Kind, resp.StatusCode)
	}
}

// expandTemplate substitutes the placeholders, query-escaping each value.
func expandTemplate(template string, event ports.NotifyEvent) string {
	r := strings.NewReplacer(
		"{event}", url.QueryEscape(event.Kind),
		"{mobile}", url.QueryEscape(string(event.Mobile)),
		"{channel}", url.QueryEscape(string(event.Channel)),
		"{detail}", url.QueryEscape(event.Detail),
	)
	return r.Replace(template)
}
