package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Subscription is the browser PushSubscription JSON.
type Subscription = webpush.Subscription

// DeliveryError is returned when the push service answers with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Gone reports whether the subscription has expired and should be discarded by the client.
func (e *DeliveryError) Gone() bool {
	return e.StatusCode == http.StatusGone || e.StatusCode == http.StatusNotFound
}

type Sender interface {
	Send(ctx context.Context, sub Subscription, payload json.RawMessage) (int, error)
}

type WebPushSender struct {
	keys       Keys
	subscriber string
	ttl        int
	client     *http.Client
}

type SenderConfig struct {
	// Subscriber is the contact (mailto: or https:) sent in the VAPID claims.
	Subscriber string
	TTL        time.Duration
	HTTPClient *http.Client
}

func NewWebPushSender(keys Keys, cfg SenderConfig) *WebPushSender {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPushSender{
		keys:       keys,
		subscriber: strings.TrimPrefix(strings.TrimSpace(cfg.Subscriber), "mailto:"),
		ttl:        int(cfg.TTL.Seconds()),
		client:     cfg.HTTPClient,
	}
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// It returns the push service status code.
func (s *WebPushSender) Send(ctx context.Context, sub Subscription, payload json.RawMessage) (int, error) {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return 0, fmt.Errorf("subscription endpoint is empty")
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subscriber,
		TTL:             s.ttl,
		VAPIDPublicKey:  s.keys.Public,
		VAPIDPrivateKey: s.keys.Private,
	})
	if err != nil {
		return 0, fmt.Errorf("send push notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.StatusCode, nil
}
