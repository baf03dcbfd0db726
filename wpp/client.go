// Package wpp speaks to the external browser-automation agent which does
// the actual device linking and message transport. The agent is an opaque
// collaborator: this package only shuttles commands to it and translates
// its status stream into callbacks.
package wpp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// AgentVersion is stamped into the User-Agent of every agent request.
var AgentVersion = ""

// LinkMethod selects how a session is linked to the account's device.
type LinkMethod string

const (
	MethodQR          LinkMethod = "qr"
	MethodPairingCode LinkMethod = "pairing-code"
)

// ParseLinkMethod maps a request-supplied string onto a LinkMethod.
func ParseLinkMethod(s string) (LinkMethod, bool) {
	switch LinkMethod(s) {
	case MethodQR, MethodPairingCode:
		return LinkMethod(s), true
	}
	return "", false
}

// QREvent is one QR emission from the agent. Code is the raw payload the
// agent put in the QR; Base64 is the rendered PNG if the agent supplied one.
type QREvent struct {
	Code    string
	Base64  string
	Attempt int
}

// Callbacks are wired at construction time and invoked from the agent's
// status stream. All fields are optional.
type Callbacks struct {
	OnStatus      func(status string)
	OnQR          func(ev QREvent)
	OnPairingCode func(code string)
	OnLoading     func(percent int, message string)
}

// CreateOptions describes the session the agent should drive.
type CreateOptions struct {
	SessionName    string
	Method         LinkMethod
	PhoneNumber    string
	ExecutablePath string
	// SessionToken is a previously persisted agent token. When set the agent
	// attempts a silent resume of the old browser session instead of a fresh
	// linking flow.
	SessionToken string
	Callbacks    Callbacks
}

// Client is one active or pending connection to the messaging network.
// Implementations are exclusively owned by a single session; Close releases
// the underlying browser.
type Client interface {
	// Start begins the linking flow. It returns once the agent has accepted
	// the session; progress arrives via Callbacks.
	Start(ctx context.Context) error
	Close() error
	// Ready reports whether the agent can service code-generation calls yet.
	Ready() bool
	IsConnected(ctx context.Context) (bool, error)
	GenerateQR(ctx context.Context) (string, error)
	GeneratePairingCode(ctx context.Context, phoneNumber string) (string, error)
	SendText(ctx context.Context, to, body string) error
	SendFile(ctx context.Context, to, filename, caption string, content []byte) error
	// SessionToken, BrowserID and DeviceInfo are best-effort reads of
	// agent-side reconnection material. Each may fail independently.
	SessionToken(ctx context.Context) (string, error)
	BrowserID(ctx context.Context) (string, error)
	DeviceInfo(ctx context.Context) (json.RawMessage, error)
}

// Factory constructs Clients. The lifecycle manager takes a Factory so tests
// can substitute an in-process fake.
type Factory interface {
	Create(ctx context.Context, opts CreateOptions) (Client, error)
}

// AgentFactory builds AgentClients against one automation agent.
// One factory can be shared among many sessions.
type AgentFactory struct {
	HTTP    *http.Client
	BaseURL string
}

func (f *AgentFactory) Create(ctx context.Context, opts CreateOptions) (Client, error) {
	if opts.SessionName == "" {
		return nil, fmt.Errorf("wpp: session name must not be empty")
	}
	return &AgentClient{
		http:    f.HTTP,
		baseURL: f.BaseURL,
		opts:    opts,
		done:    make(chan struct{}),
		logger:  logger.With().Str("session", opts.SessionName).Logger(),
	}, nil
}

// AgentClient drives one agent-side session over HTTP. The agent exposes a
// request/response surface plus a pollable status document; AgentClient
// polls that document and converts changes into Callbacks.
type AgentClient struct {
	http    *http.Client
	baseURL string
	opts    CreateOptions
	logger  zerolog.Logger

	mu        sync.Mutex
	ready     bool
	closed    bool
	done      chan struct{}
	lastState string
	lastQR    string
	lastPair  string
}

var statusPollInterval = 2 * time.Second

func (c *AgentClient) url(suffix string) string {
	return c.baseURL + "/api/" + c.opts.SessionName + "/" + suffix
}

func (c *AgentClient) do(ctx context.Context, method, suffix string, body string) (gjson.Result, error) {
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(suffix), rdr)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("wpp: NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "linkproxy-"+AgentVersion)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("wpp: %s %s failed: %w", method, suffix, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("wpp: %s %s read body: %w", method, suffix, err)
	}
	if res.StatusCode != 200 && res.StatusCode != 201 {
		return gjson.Result{}, fmt.Errorf("wpp: %s %s returned HTTP %d", method, suffix, res.StatusCode)
	}
	return gjson.ParseBytes(b), nil
}

func (c *AgentClient) Start(ctx context.Context) error {
	body, _ := sjson.Set("{}", "method", string(c.opts.Method))
	if c.opts.PhoneNumber != "" {
		body, _ = sjson.Set(body, "phone", c.opts.PhoneNumber)
	}
	if c.opts.ExecutablePath != "" {
		body, _ = sjson.Set(body, "executablePath", c.opts.ExecutablePath)
	}
	if c.opts.SessionToken != "" {
		body, _ = sjson.Set(body, "sessionToken", c.opts.SessionToken)
	}
	if _, err := c.do(ctx, "POST", "start-session", body); err != nil {
		return err
	}
	go c.pollStatus()
	return nil
}

// pollStatus translates the agent's status document into callbacks until
// Close is called. It deliberately uses context.Background: the poll loop
// outlives the Start call and is bounded by done instead.
func (c *AgentClient) pollStatus() {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), statusPollInterval)
		doc, err := c.do(ctx, "GET", "status-session", "")
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Msg("status poll failed")
			continue
		}
		c.dispatch(doc)
	}
}

func (c *AgentClient) dispatch(doc gjson.Result) {
	c.mu.Lock()
	c.ready = doc.Get("ready").Bool()
	status := doc.Get("status").Str
	qr := doc.Get("qrcode.urlcode").Str
	pair := doc.Get("pairingCode").Str
	statusChanged := status != "" && status != c.lastState
	qrChanged := qr != "" && qr != c.lastQR
	pairChanged := pair != "" && pair != c.lastPair
	c.lastState = status
	if qr != "" {
		c.lastQR = qr
	}
	if pair != "" {
		c.lastPair = pair
	}
	c.mu.Unlock()

	cb := c.opts.Callbacks
	if qrChanged && cb.OnQR != nil {
		cb.OnQR(QREvent{
			Code:    qr,
			Base64:  doc.Get("qrcode.base64").Str,
			Attempt: int(doc.Get("qrcode.attempts").Int()),
		})
	}
	if pairChanged && cb.OnPairingCode != nil {
		cb.OnPairingCode(pair)
	}
	if loading := doc.Get("loading"); loading.Exists() && cb.OnLoading != nil {
		cb.OnLoading(int(loading.Get("percent").Int()), loading.Get("message").Str)
	}
	if statusChanged && cb.OnStatus != nil {
		cb.OnStatus(status)
	}
}

func (c *AgentClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.do(ctx, "POST", "close-session", "")
	return err
}

func (c *AgentClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *AgentClient) IsConnected(ctx context.Context) (bool, error) {
	doc, err := c.do(ctx, "GET", "check-connection-session", "")
	if err != nil {
		return false, err
	}
	return doc.Get("status").Bool(), nil
}

func (c *AgentClient) GenerateQR(ctx context.Context) (string, error) {
	doc, err := c.do(ctx, "GET", "qrcode-session", "")
	if err != nil {
		return "", err
	}
	code := doc.Get("qrcode").Str
	if code == "" {
		return "", fmt.Errorf("wpp: agent returned empty QR payload")
	}
	return code, nil
}

func (c *AgentClient) GeneratePairingCode(ctx context.Context, phoneNumber string) (string, error) {
	body, _ := sjson.Set("{}", "phone", phoneNumber)
	doc, err := c.do(ctx, "POST", "generate-pairing-code", body)
	if err != nil {
		return "", err
	}
	code := doc.Get("code").Str
	if code == "" {
		return "", fmt.Errorf("wpp: agent returned empty pairing code")
	}
	return code, nil
}

func (c *AgentClient) SendText(ctx context.Context, to, body string) error {
	payload, _ := sjson.Set("{}", "phone", to)
	payload, _ = sjson.Set(payload, "message", body)
	_, err := c.do(ctx, "POST", "send-message", payload)
	return err
}

func (c *AgentClient) SendFile(ctx context.Context, to, filename, caption string, content []byte) error {
	payload, _ := sjson.Set("{}", "phone", to)
	payload, _ = sjson.Set(payload, "filename", filename)
	payload, _ = sjson.Set(payload, "caption", caption)
	payload, _ = sjson.Set(payload, "base64", base64.StdEncoding.EncodeToString(content))
	_, err := c.do(ctx, "POST", "send-file-base64", payload)
	return err
}

func (c *AgentClient) SessionToken(ctx context.Context) (string, error) {
	doc, err := c.do(ctx, "GET", "session-token", "")
	if err != nil {
		return "", err
	}
	return doc.Get("token").Str, nil
}

func (c *AgentClient) BrowserID(ctx context.Context) (string, error) {
	doc, err := c.do(ctx, "GET", "browser-id", "")
	if err != nil {
		return "", err
	}
	return doc.Get("browserId").Str, nil
}

func (c *AgentClient) DeviceInfo(ctx context.Context) (json.RawMessage, error) {
	doc, err := c.do(ctx, "GET", "device-info", "")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc.Raw), nil
}
