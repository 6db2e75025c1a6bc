package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
)

// Client talks to appointment-service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(httpx.RequestIDTransport{Base: http.DefaultTransport}),
		},
	}
}

// NewClientWithHTTP is used by tests to point at an httptest server.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

type updateRequest struct {
	ExternalID string            `json:"external_id"`
	Patch      appointment.Patch `json:"patch"`
}

type rescheduleRequest struct {
	ExternalID string                  `json:"external_id"`
	Successor  appointment.Appointment `json:"successor"`
}

type RescheduleResult struct {
	Successor appointment.Appointment `json:"successor"`
	Cancelled appointment.Appointment `json:"cancelled"`
}

type listResponse struct {
	Appointments []appointment.Appointment `json:"appointments"`
}

// Insert creates a. The backend is idempotent on external_id: created is false
// when a record with that id already existed, and the stored record is returned.
func (c *Client) Insert(ctx context.Context, a appointment.Appointment) (appointment.Appointment, bool, error) {
	var out appointment.Appointment
	status, err := c.do(ctx, http.MethodPost, "/api/v1/appointments", nil, a, &out)
	if err != nil {
		return out, false, err
	}
	return out, status == http.StatusCreated, nil
}

func (c *Client) Update(ctx context.Context, externalID string, patch appointment.Patch) (appointment.Appointment, error) {
	var out appointment.Appointment
	_, err := c.do(ctx, http.MethodPatch, "/api/v1/appointments", nil, updateRequest{ExternalID: externalID, Patch: patch}, &out)
	return out, err
}

// Reschedule asks the backend to create successor and cancel externalID in one transaction.
func (c *Client) Reschedule(ctx context.Context, externalID string, successor appointment.Appointment) (RescheduleResult, error) {
	var out RescheduleResult
	_, err := c.do(ctx, http.MethodPost, "/api/v1/appointments/reschedule", nil, rescheduleRequest{ExternalID: externalID, Successor: successor}, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, businessID string, limit int) ([]appointment.Appointment, error) {
	q := url.Values{}
	q.Set("business_id", businessID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/appointments", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Appointments, nil
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%s %s: %w", method, path, context.DeadlineExceeded)
		}
		return 0, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: %w: read body: %v", method, path, ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &Error{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: %w: %v", method, path, ErrUndecodable, err)
		}
	}
	return resp.StatusCode, nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		if body.Details != "" {
			return body.Error + ": " + body.Details
		}
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
