package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/sniper-relay/internal/audit"
	"github.com/tradeforge/sniper-relay/internal/broker/paper"
	"github.com/tradeforge/sniper-relay/internal/gate"
	"github.com/tradeforge/sniper-relay/internal/noncestore"
	"github.com/tradeforge/sniper-relay/internal/relay"
)

const (
	testToken  = "7e6d7e6d7e6d7e6d"
	testSecret = "s3cret"
)

type testRig struct {
	srv    *Server
	broker *paper.Broker
	audits *audit.Store
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	nonces := noncestore.NewMemory(0)
	t.Cleanup(func() { nonces.Close() })
	idemp := noncestore.NewMemory(0)
	t.Cleanup(func() { idemp.Close() })

	g, err := gate.New(gate.Options{
		PathToken:    testToken,
		SharedSecret: testSecret,
		MaxSkew:      15 * time.Second,
		NonceTTL:     60 * time.Second,
	}, nonces)
	if err != nil {
		t.Fatalf("gate.New() error: %v", err)
	}

	broker := paper.New()
	executor, err := relay.NewExecutor(broker, relay.Policy{MaxQty: 100}, idemp, logger, "America/New_York")
	if err != nil {
		t.Fatalf("relay.NewExecutor() error: %v", err)
	}
	dispatcher := relay.NewDispatcher(executor, 16, 1, logger, nil)
	t.Cleanup(dispatcher.Close)

	audits, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("audit.Open() error: %v", err)
	}
	t.Cleanup(func() { audits.Close() })

	handler := NewWebhookHandler(g, dispatcher, audits, nonces, 10000)
	return &testRig{
		srv:    New(0, logger, handler),
		broker: broker,
		audits: audits,
	}
}

func signedAlertBody(t *testing.T, nonce string, ts time.Time) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event":  "BUY",
		"symbol": "TSLA",
		"qty":    1,
		"time":   ts.UTC().Format(time.RFC3339),
		"nonce":  nonce,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body, gate.Sign(testSecret, body)
}

func postAlert(rig *testRig, token string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+token, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	rig.srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAlert_Accepted(t *testing.T) {
	rig := newTestRig(t)

	body, sig := signedAlertBody(t, "n1", time.Now())
	rec := postAlert(rig, testToken, body, sig)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["queued"] != true {
		t.Errorf("response = %v, want queued", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestHandleAlert_Replay(t *testing.T) {
	rig := newTestRig(t)

	body, sig := signedAlertBody(t, "n1", time.Now())
	if rec := postAlert(rig, testToken, body, sig); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	if rec := postAlert(rig, testToken, body, sig); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rec.Code)
	}
}

func TestHandleAlert_RejectionsAreGeneric(t *testing.T) {
	// All auth failures must be indistinguishable from the outside:
	// same status, same body.
	rig := newTestRig(t)

	freshBody := func(nonce string) ([]byte, string) {
		return signedAlertBody(t, nonce, time.Now())
	}

	var bodies []string
	var record = func(name string, rec *httptest.ResponseRecorder) {
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
		bodies = append(bodies, rec.Body.String())
	}

	b, sig := freshBody("n1")
	record("wrong token", postAlert(rig, "wrong-token", b, sig))

	b, _ = freshBody("n2")
	record("bad signature", postAlert(rig, testToken, b, strings.Repeat("ab", 32)))

	stale, staleSig := signedAlertBody(t, "n3", time.Now().Add(-time.Hour))
	record("stale timestamp", postAlert(rig, testToken, stale, staleSig))

	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("rejection bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}
}

func TestHandleAlert_MalformedPayload(t *testing.T) {
	rig := newTestRig(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"missing fields", `{"event":"BUY"}`},
		{"unknown event", fmt.Sprintf(`{"event":"HOLD","symbol":"TSLA","time":%q,"nonce":"n1"}`, time.Now().UTC().Format(time.RFC3339))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postAlert(rig, testToken, []byte(tt.body), "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleAlert_ContentTypeRequired(t *testing.T) {
	rig := newTestRig(t)

	body, sig := signedAlertBody(t, "n1", time.Now())
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+testToken, bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(SignatureHeader, sig)
	rec := httptest.NewRecorder()
	rig.srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestHandleAlert_BodyTooLarge(t *testing.T) {
	rig := newTestRig(t)

	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte("x"), 20000)...)
	big = append(big, []byte(`"}`)...)
	rec := postAlert(rig, testToken, big, "")

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandleAlert_BodySecretAccepted(t *testing.T) {
	rig := newTestRig(t)

	body, err := json.Marshal(map[string]any{
		"event":  "BUY",
		"symbol": "TSLA",
		"qty":    1,
		"time":   time.Now().UTC().Format(time.RFC3339),
		"nonce":  "n1",
		"secret": testSecret,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	rec := postAlert(rig, testToken, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAlert_AuditTrail(t *testing.T) {
	rig := newTestRig(t)

	body, sig := signedAlertBody(t, "n1", time.Now())
	postAlert(rig, testToken, body, sig)
	postAlert(rig, testToken, body, sig) // replay, rejected

	events, err := rig.audits.RecentAPIEvents(t.Context(), 10)
	if err != nil {
		t.Fatalf("RecentAPIEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Accepted || events[0].Reason == "" {
		t.Errorf("newest event should be the rejection: %+v", events[0])
	}
	if !events[1].Accepted {
		t.Errorf("oldest event should be the accept: %+v", events[1])
	}
}

func TestHealthEndpoints(t *testing.T) {
	rig := newTestRig(t)

	for _, path := range []string{"/healthz", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		rig.srv.Router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestHandleAlert_ValidatedAlertReachesBroker(t *testing.T) {
	rig := newTestRig(t)

	body, sig := signedAlertBody(t, "n1", time.Now())
	if rec := postAlert(rig, testToken, body, sig); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// The dispatcher drains asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.broker.Fills()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fills = %d, want 1", len(rig.broker.Fills()))
}
