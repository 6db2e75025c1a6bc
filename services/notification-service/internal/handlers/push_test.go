package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/push"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/storage"
)

type fakeSender struct {
	err     error
	payload string
}

func (f *fakeSender) Send(_ context.Context, _ push.Subscription, payload json.RawMessage) (int, error) {
	f.payload = string(payload)
	if f.err != nil {
		return http.StatusGone, f.err
	}
	return http.StatusCreated, nil
}

type fakeLog struct {
	entries []storage.Delivery
}

func (f *fakeLog) Insert(_ context.Context, d storage.Delivery) error {
	f.entries = append(f.entries, d)
	return nil
}

func newPushServer(sender push.Sender, log DeliveryLog) http.Handler {
	mux := http.NewServeMux()
	keys := push.Keys{Public: "BPUB", Private: "priv", Generated: true}
	NewPushHandler(keys, sender, log, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	return httpx.Chain(mux, httpx.WithCORS(httpx.CORSPolicy{
		AllowedOrigins:    []string{"*"},
		AllowedMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:    []string{"Content-Type"},
		EmitWithoutOrigin: true,
	}))
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

const validSend = `{"subscription":{"endpoint":"https://push.example/abc","keys":{"auth":"a","p256dh":"b"}},"notificationData":{"title":"Booked"}}`

func TestVAPIDKey(t *testing.T) {
	h := newPushServer(&fakeSender{}, nil)
	rr := serve(h, http.MethodGet, "/get-vapid-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	var body vapidKeyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.PublicKey != "BPUB" || !body.Generated {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	rr = serve(h, http.MethodOptions, "/get-vapid-key", "")
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: code=%d", rr.Code)
	}
}

func TestSendPushNotification(t *testing.T) {
	sender := &fakeSender{}
	log := &fakeLog{}
	h := newPushServer(sender, log)

	rr := serve(h, http.MethodPost, "/send-push-notification", validSend)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"success":true}` {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	if sender.payload != `{"title":"Booked"}` {
		t.Fatalf("payload not forwarded: %s", sender.payload)
	}
	if len(log.entries) != 1 || log.entries[0].Status != storage.StatusSent {
		t.Fatalf("delivery not recorded: %+v", log.entries)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header on POST")
	}
}

func TestSendPushNotificationErrors(t *testing.T) {
	h := newPushServer(&fakeSender{}, nil)

	for _, body := range []string{
		`{"notificationData":{"title":"x"}}`,
		`{"subscription":{"endpoint":"https://push.example/abc"}}`,
		`{"subscription":{"endpoint":"https://push.example/abc"},"notificationData":null}`,
	} {
		rr := serve(h, http.MethodPost, "/send-push-notification", body)
		if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), `"error"`) {
			t.Fatalf("%s: expected 400 with error, got %d %s", body, rr.Code, rr.Body.String())
		}
	}

	rr := serve(h, http.MethodGet, "/send-push-notification", "")
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected 405 with CORS header, got %d", rr.Code)
	}

	log := &fakeLog{}
	failing := newPushServer(&fakeSender{err: errors.New("push service returned 410")}, log)
	rr = serve(failing, http.MethodPost, "/send-push-notification", validSend)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error == "" || !strings.Contains(body.Details, "410") {
		t.Fatalf("unexpected error body %s", rr.Body.String())
	}
	if len(log.entries) != 1 || log.entries[0].Status != storage.StatusFailed || log.entries[0].StatusCode != http.StatusGone {
		t.Fatalf("failure not recorded: %+v", log.entries)
	}
}

func TestEndpointHost(t *testing.T) {
	if got := endpointHost("https://fcm.googleapis.com/fcm/send/secret"); got != "fcm.googleapis.com" {
		t.Fatalf("got %q", got)
	}
}
