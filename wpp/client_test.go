package wpp

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fakeAgent is an in-process automation agent with a mutable status document.
type fakeAgent struct {
	mu         sync.Mutex
	statusDoc  string
	started    []string
	closed     []string
	sentBodies []string
}

func (a *fakeAgent) setStatus(doc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusDoc = doc
}

func (a *fakeAgent) server() *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/api/{session}/start-session", func(w http.ResponseWriter, req *http.Request) {
		a.mu.Lock()
		a.started = append(a.started, mux.Vars(req)["session"])
		a.mu.Unlock()
		w.WriteHeader(201)
		w.Write([]byte(`{"status":"starting"}`))
	}).Methods("POST")
	r.HandleFunc("/api/{session}/status-session", func(w http.ResponseWriter, req *http.Request) {
		a.mu.Lock()
		doc := a.statusDoc
		a.mu.Unlock()
		w.Write([]byte(doc))
	}).Methods("GET")
	r.HandleFunc("/api/{session}/close-session", func(w http.ResponseWriter, req *http.Request) {
		a.mu.Lock()
		a.closed = append(a.closed, mux.Vars(req)["session"])
		a.mu.Unlock()
		w.Write([]byte(`{"status":"closed"}`))
	}).Methods("POST")
	r.HandleFunc("/api/{session}/qrcode-session", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"qrcode":"fresh-qr"}`))
	}).Methods("GET")
	r.HandleFunc("/api/{session}/generate-pairing-code", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"code":"FRESH-PAIR"}`))
	}).Methods("POST")
	r.HandleFunc("/api/{session}/check-connection-session", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":true}`))
	}).Methods("GET")
	r.HandleFunc("/api/{session}/send-file-base64", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		a.mu.Lock()
		a.sentBodies = append(a.sentBodies, string(body))
		a.mu.Unlock()
		w.Write([]byte(`{}`))
	}).Methods("POST")
	r.HandleFunc("/api/{session}/session-token", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"token":"the-token"}`))
	}).Methods("GET")
	return httptest.NewServer(r)
}

func newAgentClient(t *testing.T, srv *httptest.Server, method LinkMethod) *AgentClient {
	t.Helper()
	f := &AgentFactory{
		HTTP:    srv.Client(),
		BaseURL: srv.URL,
	}
	client, err := f.Create(context.Background(), CreateOptions{
		SessionName: "test_session",
		Method:      method,
		PhoneNumber: "15551280001",
	})
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	return client.(*AgentClient)
}

func TestAgentClientStatusStream(t *testing.T) {
	oldInterval := statusPollInterval
	statusPollInterval = 10 * time.Millisecond
	defer func() { statusPollInterval = oldInterval }()

	agent := &fakeAgent{statusDoc: `{"status":"starting","ready":false}`}
	srv := agent.server()
	defer srv.Close()

	var mu sync.Mutex
	var statuses []string
	var qrs []QREvent
	client := newAgentClient(t, srv, MethodQR)
	client.opts.Callbacks = Callbacks{
		OnStatus: func(s string) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
		OnQR: func(ev QREvent) {
			mu.Lock()
			qrs = append(qrs, ev)
			mu.Unlock()
		},
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %s", err)
	}
	defer client.Close()

	agent.setStatus(`{"status":"qr_code_ready","ready":true,"qrcode":{"urlcode":"qr-1","attempts":1}}`)
	waitFor(t, "QR callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(qrs) == 1 && len(statuses) == 1
	})
	mu.Lock()
	if qrs[0].Code != "qr-1" || qrs[0].Attempt != 1 {
		t.Errorf("QR event: %+v", qrs[0])
	}
	if statuses[0] != "qr_code_ready" {
		t.Errorf("status: got %s", statuses[0])
	}
	mu.Unlock()
	if !client.Ready() {
		t.Errorf("Ready: want true once the agent reports ready")
	}

	t.Log("An unchanged document fires no duplicate callbacks.")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(qrs) != 1 || len(statuses) != 1 {
		t.Errorf("duplicate callbacks: %d statuses, %d qrs", len(statuses), len(qrs))
	}
	mu.Unlock()

	t.Log("A new QR payload fires again.")
	agent.setStatus(`{"status":"qr_code_ready","ready":true,"qrcode":{"urlcode":"qr-2","attempts":2}}`)
	waitFor(t, "second QR callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(qrs) == 2
	})
}

func TestAgentClientCloseIsIdempotent(t *testing.T) {
	oldInterval := statusPollInterval
	statusPollInterval = 10 * time.Millisecond
	defer func() { statusPollInterval = oldInterval }()

	agent := &fakeAgent{statusDoc: `{"status":"starting"}`}
	srv := agent.server()
	defer srv.Close()

	client := newAgentClient(t, srv, MethodQR)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %s", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
	agent.mu.Lock()
	closed := len(agent.closed)
	agent.mu.Unlock()
	if closed != 1 {
		t.Errorf("close-session called %d times, want 1", closed)
	}
}

func TestAgentClientCalls(t *testing.T) {
	agent := &fakeAgent{statusDoc: `{}`}
	srv := agent.server()
	defer srv.Close()
	client := newAgentClient(t, srv, MethodPairingCode)
	ctx := context.Background()

	if code, err := client.GenerateQR(ctx); err != nil || code != "fresh-qr" {
		t.Errorf("GenerateQR: %q, %v", code, err)
	}
	if code, err := client.GeneratePairingCode(ctx, "15551280001"); err != nil || code != "FRESH-PAIR" {
		t.Errorf("GeneratePairingCode: %q, %v", code, err)
	}
	if connected, err := client.IsConnected(ctx); err != nil || !connected {
		t.Errorf("IsConnected: %v, %v", connected, err)
	}
	if token, err := client.SessionToken(ctx); err != nil || token != "the-token" {
		t.Errorf("SessionToken: %q, %v", token, err)
	}

	t.Log("File content travels base64 encoded.")
	content := []byte{0x00, 0x01, 0xFF}
	if err := client.SendFile(ctx, "15550002222", "creds.json", "caption", content); err != nil {
		t.Fatalf("SendFile: %s", err)
	}
	agent.mu.Lock()
	body := agent.sentBodies[0]
	agent.mu.Unlock()
	got := gjson.Get(body, "base64").Str
	if got != base64.StdEncoding.EncodeToString(content) {
		t.Errorf("base64 payload: got %q", got)
	}
}

func TestParseLinkMethod(t *testing.T) {
	if m, ok := ParseLinkMethod("qr"); !ok || m != MethodQR {
		t.Errorf("qr: %v %v", m, ok)
	}
	if m, ok := ParseLinkMethod("pairing-code"); !ok || m != MethodPairingCode {
		t.Errorf("pairing-code: %v %v", m, ok)
	}
	if _, ok := ParseLinkMethod("smoke-signals"); ok {
		t.Errorf("smoke-signals should not parse")
	}
}

func TestStartSendsMethodAndPhone(t *testing.T) {
	var startBody string
	var mu sync.Mutex
	r := mux.NewRouter()
	r.HandleFunc("/api/{session}/start-session", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		startBody = string(body)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}).Methods("POST")
	r.HandleFunc("/api/{session}/status-session", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{}`))
	}).Methods("GET")
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := newAgentClient(t, srv, MethodPairingCode)
	client.opts.SessionToken = "stored-tok"
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %s", err)
	}
	defer client.Close()

	mu.Lock()
	body := startBody
	mu.Unlock()
	if gjson.Get(body, "method").Str != "pairing-code" {
		t.Errorf("method missing from start body: %s", body)
	}
	if gjson.Get(body, "phone").Str != "15551280001" {
		t.Errorf("phone missing from start body: %s", body)
	}
	t.Log("A persisted token rides along so the agent can resume the old session.")
	if gjson.Get(body, "sessionToken").Str != "stored-tok" {
		t.Errorf("sessionToken missing from start body: %s", body)
	}
	// round-trip sanity on the builder we use for bodies
	if rebuilt, _ := sjson.Set(body, "phone", "x"); gjson.Get(rebuilt, "method").Str != "pairing-code" {
		t.Errorf("sjson round trip broke the body: %s", rebuilt)
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}
