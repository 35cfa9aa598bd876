package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"peercall/internal/auth"
	"peercall/internal/call"
	"peercall/internal/firewall"
	"peercall/internal/models"
)

const testSecret = "control-api-test-secret"

type apiFixture struct {
	net    *testNet
	cc     *Coordinator
	api    *ControlAPI
	tokens *auth.TokenAuthority
	token  string
}

func newAPIFixture(t *testing.T, requireSecure bool) *apiFixture {
	t.Helper()
	n := newTestNet(t)
	cc := n.agent(t, alice)
	tokens, err := auth.NewTokenAuthority(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	token, err := tokens.GenerateToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	api := NewControlAPI(cc, n.dir, tokens, firewall.NewFirewall(3), ControlAPIConfig{
		Self:                 alice,
		RequireSecureContext: requireSecure,
		PublicConfig:         map[string]interface{}{"store": "memory"},
	})
	return &apiFixture{net: n, cc: cc, api: api, tokens: tokens, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path, body, token, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestControlAPIAuthAndFirewall(t *testing.T) {
	f := newAPIFixture(t, false)
	bobToken, _ := f.tokens.GenerateToken("bob")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "nope", http.StatusUnauthorized},
		{"someone else's token", bobToken, http.StatusUnauthorized},
		{"own token", f.token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/stats", "", tt.token, "203.0.113.10:4000")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	// Three failures from one address lock it out, even with a good token.
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodGet, "/api/stats", "", "bad", "203.0.113.20:4000")
	}
	if rec := f.do(t, http.MethodGet, "/api/stats", "", f.token, "203.0.113.20:4000"); rec.Code != http.StatusForbidden {
		t.Fatalf("locked-out status = %d, want 403", rec.Code)
	}
	// Metrics stay public.
	if rec := f.do(t, http.MethodGet, "/metrics", "", "", "203.0.113.20:4000"); rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rec.Code)
	}
}

func TestControlAPICallLifecycle(t *testing.T) {
	f := newAPIFixture(t, false)
	const remote = "192.0.2.50:5000"

	if rec := f.do(t, http.MethodGet, "/api/calls/incoming", "", f.token, remote); rec.Code != http.StatusNoContent {
		t.Fatalf("incoming status = %d, want 204", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/calls", `{}`, f.token, remote)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start without receiver = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/calls", `{"receiverId":"nobody"}`, f.token, remote)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("start to unknown receiver = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/calls", `{"receiverId":"bob"}`, f.token, remote)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	var info models.SessionInfo
	decode(t, rec, &info)
	if info.Role != models.RoleOfferer || info.RemoteID != "bob" || info.CallID == "" {
		t.Fatalf("session info = %+v", info)
	}

	rec = f.do(t, http.MethodPost, "/api/calls", `{"receiverId":"carol"}`, f.token, remote)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second call status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/calls/active", "", f.token, remote)
	var active []models.SessionInfo
	decode(t, rec, &active)
	if len(active) != 1 || active[0].CallID != info.CallID {
		t.Fatalf("active = %+v", active)
	}

	rec = f.do(t, http.MethodPost, "/api/calls/"+info.CallID+"/mute", "", f.token, remote)
	var muted map[string]bool
	decode(t, rec, &muted)
	if !muted["muted"] {
		t.Fatalf("mute response = %s", rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/calls/"+info.CallID+"/camera", "", f.token, remote)
	var camera map[string]bool
	decode(t, rec, &camera)
	if !camera["cameraOff"] {
		t.Fatalf("camera response = %s", rec.Body.String())
	}

	if rec := f.do(t, http.MethodPost, "/api/calls/"+info.CallID+"/hangup", "", f.token, remote); rec.Code != http.StatusNoContent {
		t.Fatalf("hangup status = %d, want 204", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/calls/missing/hangup", "", f.token, remote); rec.Code != http.StatusNotFound {
		t.Fatalf("hangup unknown status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/calls/missing/reject", "", f.token, remote); rec.Code != http.StatusNotFound {
		t.Fatalf("reject unknown status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/participants/bob", "", f.token, remote)
	var p models.Participant
	decode(t, rec, &p)
	if p != bob {
		t.Fatalf("participant = %+v, want %+v", p, bob)
	}
}

func TestControlAPISecureContext(t *testing.T) {
	f := newAPIFixture(t, true)

	rec := f.do(t, http.MethodPost, "/api/calls", `{"receiverId":"bob"}`, f.token, "203.0.113.7:4000")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("remote plain-HTTP start = %d, want 422 (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["reason"] != string(call.ReasonInsecureContext) {
		t.Fatalf("reason = %q, want %q", body["reason"], call.ReasonInsecureContext)
	}

	waitFor(t, "failed session dropped", func() bool { return len(f.cc.ActiveCalls()) == 0 })
	rec = f.do(t, http.MethodPost, "/api/calls", `{"receiverId":"bob"}`, f.token, "127.0.0.1:4000")
	if rec.Code != http.StatusCreated {
		t.Fatalf("loopback start = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
}

func TestControlAPIEventStreams(t *testing.T) {
	f := newAPIFixture(t, false)
	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	incoming, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/events?token="+f.token, nil)
	if err != nil {
		t.Fatalf("dial /api/events: %v", err)
	}
	defer incoming.Close()
	var first map[string]*models.IncomingCall
	_ = incoming.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := incoming.ReadJSON(&first); err != nil {
		t.Fatalf("reading incoming stream: %v", err)
	}
	if v, ok := first["incoming"]; !ok || v != nil {
		t.Fatalf("first incoming message = %+v, want null notification", first)
	}

	s, err := f.cc.StartCall(context.Background(), "bob", CallOptions{SecureContext: true})
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/calls/"+s.CallID()+"/events?token="+f.token, nil)
	if err != nil {
		t.Fatalf("dial session events: %v", err)
	}
	defer conn.Close()

	var ev call.StatusEvent
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading session stream: %v", err)
	}
	if ev.State != call.StateNegotiating || ev.CallID != s.CallID() {
		t.Fatalf("first session event = %+v", ev)
	}

	if err := f.cc.Hangup(context.Background(), s.CallID()); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading ended event: %v", err)
	}
	if ev.State != call.StateEnded {
		t.Fatalf("last session event = %+v, want ended", ev)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("stream end = %v, want normal close", err)
	}

	// Unknown sessions are refused before the upgrade.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"/api/calls/missing/events?token="+f.token, nil); err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dial unknown session = %v, want 404", err)
	}
}
