// Package webhook delivers notifications to an HTTP endpoint as an alternative
// to the notification topic.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/notify"
)

// Publisher POSTs each notification once. Redelivery belongs to the caller.
type Publisher struct {
	url          string
	allowPrivate bool
	client       *http.Client
}

// New returns a Publisher for targetURL. allowPrivate lifts the block on
// loopback and private addresses, for endpoints inside the same network.
func New(targetURL string, allowPrivate bool) *Publisher {
	return &Publisher{
		url:          targetURL,
		allowPrivate: allowPrivate,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Publish sends m and returns the delivery id sent in the X-Delivery-ID header.
func (p *Publisher) Publish(ctx context.Context, m notify.Message) (string, error) {
	if p.url == "" {
		return "", apperr.New(apperr.KindConfiguration, "webhook.publish", "CLAIMFLOW_WEBHOOK_URL is not set")
	}
	if err := validateURL(p.url, p.allowPrivate); err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, "webhook.publish", err, "rejected webhook URL")
	}
	id := uuid.NewString()
	if err := post(ctx, p.client, p.url, id, m); err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamInvocation, "webhook.publish", err, "post to %s", p.url)
	}
	return id, nil
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate, private/internal IP ranges.
func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func post(ctx context.Context, client *http.Client, targetURL, deliveryID string, m notify.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(m.Body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)
	req.Header.Set("X-Notification-Subject", m.Subject)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
