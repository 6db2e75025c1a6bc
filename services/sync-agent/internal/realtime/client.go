package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/feed"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
)

// SignalSink receives realtime liveness. *connectivity.Monitor satisfies it.
type SignalSink interface {
	Set(sig connectivity.Signal, up bool)
}

// ChangeFunc is called for every appointment pushed by the backend.
type ChangeFunc func(ctx context.Context, a appointment.Appointment)

type Config struct {
	// BaseURL is the backend's http(s) address; the scheme is switched to ws(s).
	BaseURL           string
	BusinessID        string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HTTPClient        *http.Client
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Client keeps one websocket to the change feed open, reconnecting with
// jittered exponential backoff.
type Client struct {
	cfg      Config
	sink     SignalSink
	onChange ChangeFunc
	logger   *slog.Logger
	recon    *reconnector
}

func NewClient(cfg Config, sink SignalSink, onChange ChangeFunc, logger *slog.Logger) *Client {
	cfg.defaults()
	return &Client{
		cfg:      cfg,
		sink:     sink,
		onChange: onChange,
		logger:   logger,
		recon:    &reconnector{baseDelay: cfg.ReconnectBase, maxDelay: cfg.ReconnectMax},
	}
}

func (c *Client) FeedURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/realtime")
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("business_id", c.cfg.BusinessID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and serves the feed until ctx is done.
func (c *Client) Run(ctx context.Context) {
	for {
		err := c.session(ctx)
		c.sink.Set(connectivity.SignalRealtime, false)
		if ctx.Err() != nil {
			return
		}
		delay := c.recon.nextDelay()
		c.logger.Warn("realtime disconnected", "err", err, "retry_in", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	u, err := c.FeedURL()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.recon.markConnected()
	c.sink.Set(connectivity.SignalRealtime, true)
	c.logger.Info("realtime connected", "url", u)

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()

	hbErr := make(chan error, 1)
	go func() { hbErr <- c.heartbeat(sessCtx, conn) }()

	readErr := c.readLoop(sessCtx, conn)
	stop()
	if err := <-hbErr; err != nil && readErr == nil {
		return err
	}
	return readErr
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env feed.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env feed.Envelope) {
	switch env.Type {
	case feed.TypeSystem:
		p, err := env.System()
		if err != nil {
			c.logger.Warn("bad system event", "err", err)
			return
		}
		c.sink.Set(connectivity.SignalRealtime, p.Status == feed.StatusOnline)
	case feed.TypeAppointmentChanged:
		a, err := env.Appointment()
		if err != nil {
			c.logger.Warn("bad appointment event", "err", err)
			return
		}
		if c.onChange != nil {
			c.onChange(ctx, a)
		}
	default:
		c.logger.Debug("ignoring realtime event", "type", env.Type)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay resets the backoff after a connection that stayed up for a minute.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
