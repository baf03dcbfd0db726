package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wabridge/linkproxy/store"
	"github.com/wabridge/linkproxy/wpp"
)

// fakeClient is an in-process stand-in for the browser automation agent.
// Tests drive lifecycle events by invoking the captured callbacks.
type fakeClient struct {
	opts wpp.CreateOptions

	mu        sync.Mutex
	ready     bool
	connected bool
	closed    bool
	started   bool

	qrCode       string
	pairingCode  string
	sessionToken string
	browserID    string

	qrErr      error
	pairingErr error
	sendErr    error
	connectErr error

	sentTexts []string
	sentFiles []string

	// generateBlock, if set, stalls code generation until closed
	generateBlock chan struct{}
}

func (c *fakeClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeClient) IsConnected(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.connectErr
}

func (c *fakeClient) GenerateQR(ctx context.Context) (string, error) {
	if c.generateBlock != nil {
		<-c.generateBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qrCode, c.qrErr
}

func (c *fakeClient) GeneratePairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if c.generateBlock != nil {
		<-c.generateBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairingCode, c.pairingErr
}

func (c *fakeClient) SendText(ctx context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sentTexts = append(c.sentTexts, to+": "+body)
	return nil
}

func (c *fakeClient) SendFile(ctx context.Context, to, filename, caption string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sentFiles = append(c.sentFiles, filename)
	return nil
}

func (c *fakeClient) SessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken, nil
}

func (c *fakeClient) BrowserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browserID, nil
}

func (c *fakeClient) DeviceInfo(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"platform":"fake"}`), nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// fakeFactory hands out fakeClients and remembers them so tests can fire
// their callbacks.
type fakeFactory struct {
	mu        sync.Mutex
	clients   []*fakeClient
	createErr error
	// prototype is copied into every new client
	prototype fakeClient
}

func (f *fakeFactory) Create(ctx context.Context, opts wpp.CreateOptions) (wpp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	c := &fakeClient{
		opts:          opts,
		ready:         true,
		qrCode:        f.prototype.qrCode,
		pairingCode:   f.prototype.pairingCode,
		sessionToken:  f.prototype.sessionToken,
		browserID:     f.prototype.browserID,
		generateBlock: f.prototype.generateBlock,
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) latest() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// fakeCreds is an in-memory Credentials implementation.
type fakeCreds struct {
	mu      sync.Mutex
	records map[string]*store.CredentialRecord
	issued  int
	failAll error
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{records: make(map[string]*store.CredentialRecord)}
}

func (f *fakeCreds) Issue(ctx context.Context, sessionID, account string, client wpp.Client, now time.Time) (*store.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	rec := &store.CredentialRecord{
		SessionID: sessionID,
		Account:   account,
		Fingerprint: store.DeviceFingerprint{
			DeviceID:  "device_" + sessionID,
			CreatedAt: now,
		},
		AuthToken: "auth_" + sessionID,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
		LastUsed:  now,
	}
	f.records[sessionID] = rec
	f.issued++
	return rec, nil
}

func (f *fakeCreds) Load(sessionID string, now time.Time) (*store.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[sessionID]
	if rec == nil || now.After(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}

func (f *fakeCreds) Verify(sessionID, authToken, deviceID string, now time.Time) (*store.CredentialRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[sessionID]
	if rec == nil || now.After(rec.ExpiresAt) {
		return nil, false, nil
	}
	ok := rec.AuthToken == authToken && rec.Fingerprint.DeviceID == deviceID
	return rec, ok, nil
}

func (f *fakeCreds) Touch(sessionID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[sessionID]
	if rec == nil {
		return fmt.Errorf("no record for %s", sessionID)
	}
	rec.UsageCount++
	rec.LastUsed = now
	return nil
}

func (f *fakeCreds) Remove(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, sessionID)
	return nil
}

func (f *fakeCreds) SweepExpired(now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, rec := range f.records {
		if now.After(rec.ExpiresAt) {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeCreds) NotifyIssued(ctx context.Context, client wpp.Client, rec *store.CredentialRecord) {}

func (f *fakeCreds) usageCount(sessionID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec := f.records[sessionID]; rec != nil {
		return rec.UsageCount
	}
	return -1
}

// fakeTokens is an in-memory TokenStore implementation.
type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]*store.SessionToken
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[string]*store.SessionToken)}
}

func (f *fakeTokens) Upsert(sessionID, account, token string, createdAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[sessionID] = &store.SessionToken{
		SessionID: sessionID,
		Account:   account,
		Token:     token,
		CreatedAt: createdAt,
	}
	return nil
}

func (f *fakeTokens) Load(sessionID string) (*store.SessionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[sessionID], nil
}

func (f *fakeTokens) Delete(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, sessionID)
	return nil
}

func (f *fakeTokens) AllSessionIDs() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.tokens {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeTokens) has(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[sessionID] != nil
}

// waitUntil polls cond for up to 2 seconds, failing the test on timeout.
func waitUntil(t *testing.T, msg string, cond func() bool) {
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

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeFactory, *fakeCreds, *fakeTokens) {
	t.Helper()
	factory := &fakeFactory{}
	creds := newFakeCreds()
	tokens := newFakeTokens()
	m := NewManager(cfg, factory, creds, tokens, false)
	t.Cleanup(m.Teardown)
	return m, factory, creds, tokens
}
