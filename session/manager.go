package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wabridge/linkproxy/internal"
	"github.com/wabridge/linkproxy/store"
	"github.com/wabridge/linkproxy/wpp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultSessionMaxAge is how old a session may grow before the sweep
// removes it, connected or not.
const DefaultSessionMaxAge = 4 * time.Hour

const defaultInitWorkers = 16

// Credentials is the credential-record surface the Manager needs.
// *CredentialStore is the production implementation.
type Credentials interface {
	Issue(ctx context.Context, sessionID, account string, client wpp.Client, now time.Time) (*store.CredentialRecord, error)
	Load(sessionID string, now time.Time) (*store.CredentialRecord, error)
	Verify(sessionID, authToken, deviceID string, now time.Time) (*store.CredentialRecord, bool, error)
	Touch(sessionID string, now time.Time) error
	Remove(sessionID string) error
	SweepExpired(now time.Time) (int64, error)
	NotifyIssued(ctx context.Context, client wpp.Client, rec *store.CredentialRecord)
}

// TokenStore is the agent-session-token surface the Manager needs.
// *store.TokensTable is the production implementation.
type TokenStore interface {
	Upsert(sessionID, account, token string, createdAt time.Time) error
	Load(sessionID string) (*store.SessionToken, error)
	Delete(sessionID string) error
	AllSessionIDs() ([]string, error)
}

// Config carries the tunables of a Manager. The zero value selects the
// defaults for everything but Environment and ReconnectEndpoint.
type Config struct {
	// Environment labels issued credential records (e.g. "production").
	Environment string
	// ReconnectEndpoint is the externally reachable base URL put into
	// credential records' reconnection instructions.
	ReconnectEndpoint string
	// ChromeExecutablePath is handed to the agent verbatim; empty lets the
	// agent pick.
	ChromeExecutablePath string

	QRCodeTTL      time.Duration
	PairingCodeTTL time.Duration
	SessionMaxAge  time.Duration
	InitWorkers    int
}

// Manager owns the session registry and drives every lifecycle transition.
// One mutex guards all in-memory state; agent calls and durable writes
// happen outside it.
type Manager struct {
	cfg     Config
	factory wpp.Factory
	creds   Credentials
	tokens  TokenStore

	mu       sync.Mutex
	registry *Registry
	qr       *CodeTracker
	pairing  *CodeTracker
	// initInFlight gates initialization per session: the channel closes when
	// the in-flight attempt finishes and its client is fully torn down.
	initInFlight map[string]chan struct{}

	initPool *internal.WorkerPool
	sweepMu  sync.Mutex
	nowFn    func() time.Time

	numSessions prometheus.Gauge
	transitions *prometheus.CounterVec
}

// NewManager wires the manager. enablePrometheus registers metrics with the
// default registerer; tests pass false to avoid double registration.
func NewManager(cfg Config, factory wpp.Factory, creds Credentials, tokens TokenStore, enablePrometheus bool) *Manager {
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = DefaultSessionMaxAge
	}
	if cfg.InitWorkers <= 0 {
		cfg.InitWorkers = defaultInitWorkers
	}
	m := &Manager{
		cfg:          cfg,
		factory:      factory,
		creds:        creds,
		tokens:       tokens,
		registry:     NewRegistry(),
		initInFlight: make(map[string]chan struct{}),
		initPool:     internal.NewWorkerPool(cfg.InitWorkers),
		nowFn:        time.Now,
	}
	m.qr = NewQRTracker(m.registry, &m.mu, cfg.QRCodeTTL)
	m.pairing = NewPairingTracker(m.registry, &m.mu, cfg.PairingCodeTTL)
	m.initPool.Start()
	if enablePrometheus {
		m.addPrometheusMetrics()
	}
	return m
}

// Teardown stops the init workers and unregisters metrics. Live sessions are
// not closed; callers drain those first if they care.
func (m *Manager) Teardown() {
	m.initPool.Stop()
	if m.numSessions != nil {
		prometheus.Unregister(m.numSessions)
	}
	if m.transitions != nil {
		prometheus.Unregister(m.transitions)
	}
}

func (m *Manager) addPrometheusMetrics() {
	m.numSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkproxy",
		Subsystem: "session",
		Name:      "num_sessions",
		Help:      "Number of sessions in the registry",
	})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkproxy",
		Subsystem: "session",
		Name:      "status_transitions_total",
		Help:      "Session status transitions, labelled by resulting status",
	}, []string{"status"})
	prometheus.MustRegister(m.numSessions)
	prometheus.MustRegister(m.transitions)
}

func (m *Manager) setStatusLocked(s *Session, status Status) {
	if s.Status == status {
		return
	}
	s.Status = status
	if m.transitions != nil {
		m.transitions.WithLabelValues(string(status)).Inc()
	}
}

func (m *Manager) updateGaugeLocked() {
	if m.numSessions != nil {
		m.numSessions.Set(float64(m.registry.Len()))
	}
}

// CreateSession registers a new session and queues its initialization in the
// background. It returns the new session ID immediately; progress is
// observable via Status.
func (m *Manager) CreateSession(ctx context.Context, accountID, method string) (string, error) {
	ctx, span := internal.StartSpan(ctx, "CreateSession")
	defer span.End()
	linkMethod, ok := wpp.ParseLinkMethod(method)
	if !ok {
		return "", fmt.Errorf("%w: unknown method %q", ErrMethodMismatch, method)
	}
	account, err := NormalizeAccount(accountID)
	if err != nil {
		return "", err
	}
	id := NewSessionID()
	now := m.nowFn()

	m.mu.Lock()
	m.registry.Create(&Session{
		ID:        id,
		Account:   account,
		Method:    linkMethod,
		Status:    StatusInitializing,
		CreatedAt: now,
	})
	m.updateGaugeLocked()
	m.mu.Unlock()

	logger.Info().Str("session", id).Str("account", account).Str("method", method).Msg("session created")
	m.queueInitialize(id)
	return id, nil
}

func (m *Manager) queueInitialize(sessionID string) {
	m.initPool.Queue(func() {
		defer internal.ReportPanicsToSentry()
		m.initialize(context.Background(), sessionID)
	})
}

// beginInit claims the per-session init gate, waiting out any in-flight
// attempt first. Returns a release func, or false if the session vanished.
func (m *Manager) beginInit(sessionID string) (func(), bool) {
	for {
		m.mu.Lock()
		if m.registry.Get(sessionID) == nil {
			m.mu.Unlock()
			return nil, false
		}
		if prior := m.initInFlight[sessionID]; prior != nil {
			m.mu.Unlock()
			<-prior
			continue
		}
		done := make(chan struct{})
		m.initInFlight[sessionID] = done
		m.mu.Unlock()
		return func() {
			m.mu.Lock()
			delete(m.initInFlight, sessionID)
			m.mu.Unlock()
			close(done)
		}, true
	}
}

func (m *Manager) initialize(ctx context.Context, sessionID string) {
	ctx, task := internal.StartTask(ctx, "initialize")
	defer task.End()
	release, ok := m.beginInit(sessionID)
	if !ok {
		return
	}
	defer release()

	m.mu.Lock()
	s := m.registry.Get(sessionID)
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.Epoch++
	epoch := s.Epoch
	account, method := s.Account, s.Method
	m.mu.Unlock()

	// a previously persisted agent token lets the agent resume the old
	// browser session instead of forcing a fresh linking flow
	var resumeToken string
	if tok, err := m.tokens.Load(sessionID); err != nil {
		logger.Warn().Str("session", sessionID).Err(err).Msg("could not load persisted agent token")
	} else if tok != nil {
		resumeToken = tok.Token
	}

	client, err := m.factory.Create(ctx, wpp.CreateOptions{
		SessionName:    sessionID,
		Method:         method,
		PhoneNumber:    account,
		ExecutablePath: m.cfg.ChromeExecutablePath,
		SessionToken:   resumeToken,
		Callbacks: wpp.Callbacks{
			OnStatus:      func(status string) { m.onStatusEvent(sessionID, epoch, status) },
			OnQR:          func(ev wpp.QREvent) { m.onQREvent(sessionID, epoch, ev) },
			OnPairingCode: func(code string) { m.onPairingEvent(sessionID, epoch, code) },
			OnLoading:     func(pct int, msg string) { m.onLoadingEvent(sessionID, epoch, pct, msg) },
		},
	})
	if err != nil {
		m.failInit(sessionID, epoch, &ClientOpError{Op: "create client", Err: err})
		return
	}
	internal.Assert("factory returned a client", client != nil)

	m.mu.Lock()
	s = m.registry.Get(sessionID)
	if s == nil || s.Epoch != epoch {
		// deleted or restarted while we were constructing; ours to clean up
		m.mu.Unlock()
		closeClient(sessionID, client)
		return
	}
	s.Client = client
	m.setStatusLocked(s, StatusConnecting)
	m.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		m.failInit(sessionID, epoch, &ClientOpError{Op: "start", Err: err})
		return
	}
	logger.Info().Str("session", sessionID).Msg("client started")
}

func (m *Manager) failInit(sessionID string, epoch uint64, err error) {
	sentry.CaptureException(err)
	logger.Err(err).Str("session", sessionID).Msg("session initialization failed")
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.registry.Get(sessionID)
	if s == nil || s.Epoch != epoch {
		return
	}
	s.LastError = err.Error()
	m.setStatusLocked(s, StatusError)
}

func closeClient(sessionID string, client wpp.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn().Str("session", sessionID).Err(err).Msg("client close failed")
	}
}

// sessionForEventLocked resolves the session for an agent event and drops
// events from superseded clients.
func (m *Manager) sessionForEventLocked(sessionID string, epoch uint64) *Session {
	s := m.registry.Get(sessionID)
	if s == nil || s.Epoch != epoch {
		return nil
	}
	return s
}

func (m *Manager) onStatusEvent(sessionID string, epoch uint64, status string) {
	m.mu.Lock()
	s := m.sessionForEventLocked(sessionID, epoch)
	if s == nil {
		m.mu.Unlock()
		return
	}
	prev := s.Status
	m.setStatusLocked(s, Status(status))
	client, account := s.Client, s.Account
	m.mu.Unlock()

	logger.Info().Str("session", sessionID).Str("from", string(prev)).Str("to", status).Msg("status change")
	if Status(status) == StatusConnected && prev != StatusConnected {
		m.onConnected(sessionID, account, client)
	}
}

// onConnected issues credentials and persists the agent session token. A
// persistence failure here leaves the session connected; it is logged and
// reported, not fatal.
func (m *Manager) onConnected(sessionID, account string, client wpp.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := m.nowFn()

	rec, err := m.creds.Issue(ctx, sessionID, account, client, now)
	if err != nil {
		sentry.CaptureException(err)
		logger.Err(err).Str("session", sessionID).Msg("credential issuance failed")
	} else if client != nil {
		go func() {
			defer internal.ReportPanicsToSentry()
			nctx, ncancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer ncancel()
			m.creds.NotifyIssued(nctx, client, rec)
		}()
	}

	if client == nil {
		return
	}
	token, err := client.SessionToken(ctx)
	if err != nil || token == "" {
		logger.Warn().Str("session", sessionID).Err(err).Msg("no agent session token to persist")
		return
	}
	if err := m.tokens.Upsert(sessionID, account, token, now); err != nil {
		sentry.CaptureException(err)
		logger.Err(err).Str("session", sessionID).Msg("persisting agent session token failed")
	}
}

func (m *Manager) onQREvent(sessionID string, epoch uint64, ev wpp.QREvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionForEventLocked(sessionID, epoch)
	if s == nil {
		return
	}
	if s.Method != wpp.MethodQR {
		logger.Warn().Str("session", sessionID).Msg("agent emitted a QR for a pairing-code session; ignoring")
		return
	}
	m.qr.recordLocked(s, ev.Code, ev.Attempt)
	m.setStatusLocked(s, StatusQRReady)
}

func (m *Manager) onPairingEvent(sessionID string, epoch uint64, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionForEventLocked(sessionID, epoch)
	if s == nil {
		return
	}
	if s.Method != wpp.MethodPairingCode {
		logger.Warn().Str("session", sessionID).Msg("agent emitted a pairing code for a QR session; ignoring")
		return
	}
	m.pairing.recordLocked(s, code, 0)
	m.setStatusLocked(s, StatusPairingReady)
}

func (m *Manager) onLoadingEvent(sessionID string, epoch uint64, percent int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionForEventLocked(sessionID, epoch)
	if s == nil {
		return
	}
	s.LoadingPercent = percent
	s.LoadingMessage = message
}

// StatusView is the composite snapshot served to API callers.
type StatusView struct {
	SessionID string         `json:"sessionId"`
	Account   string         `json:"phoneNumber"`
	Method    wpp.LinkMethod `json:"connectionMethod"`
	Status    Status         `json:"status"`

	QRCode            string     `json:"qrCode,omitempty"`
	QRAttempts        int        `json:"qrAttempts,omitempty"`
	QRCodeExpiry      *time.Time `json:"qrCodeExpiry,omitempty"`
	IsQRExpired       bool       `json:"isQRExpired"`
	QRTimeRemainingMS int64      `json:"qrTimeRemainingMs"`

	PairingCode            string     `json:"pairingCode,omitempty"`
	PairingCodeExpiry      *time.Time `json:"pairingCodeExpiry,omitempty"`
	IsPairingExpired       bool       `json:"isPairingExpired"`
	PairingTimeRemainingMS int64      `json:"pairingTimeRemainingMs"`

	LoadingPercent int    `json:"loadingPercent"`
	LoadingMessage string `json:"loadingMessage,omitempty"`
	IsConnected    bool   `json:"isConnected"`
	Error          string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	Timestamp time.Time `json:"timestamp"`
}

// Status assembles the composite view of one session. When the session
// claims to be connected, the client is probed for truth: a dead client
// demotes the session to disconnected.
func (m *Manager) Status(ctx context.Context, sessionID string) (*StatusView, error) {
	m.mu.Lock()
	s := m.registry.Get(sessionID)
	if s == nil {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	view := &StatusView{
		SessionID:      s.ID,
		Account:        s.Account,
		Method:         s.Method,
		Status:         s.Status,
		QRAttempts:     s.QRAttempts,
		LoadingPercent: s.LoadingPercent,
		LoadingMessage: s.LoadingMessage,
		Error:          s.LastError,
		CreatedAt:      s.CreatedAt,
		Timestamp:      m.nowFn(),
	}
	qrStatus := m.qr.StatusFor(sessionID)
	pairStatus := m.pairing.StatusFor(sessionID)
	client, epoch := s.Client, s.Epoch
	claimsConnected := s.Status == StatusConnected
	m.mu.Unlock()

	view.QRCode = qrStatus.Code
	view.QRCodeExpiry = qrStatus.Expiry
	view.IsQRExpired = qrStatus.IsExpired
	view.QRTimeRemainingMS = qrStatus.TimeRemaining.Milliseconds()
	view.PairingCode = pairStatus.Code
	view.PairingCodeExpiry = pairStatus.Expiry
	view.IsPairingExpired = pairStatus.IsExpired
	view.PairingTimeRemainingMS = pairStatus.TimeRemaining.Milliseconds()

	if claimsConnected && client != nil {
		connected, err := client.IsConnected(ctx)
		if err != nil {
			logger.Warn().Str("session", sessionID).Err(err).Msg("connectivity probe failed")
		}
		view.IsConnected = err == nil && connected
		if !view.IsConnected {
			m.mu.Lock()
			if s := m.sessionForEventLocked(sessionID, epoch); s != nil && s.Status == StatusConnected {
				m.setStatusLocked(s, StatusDisconnected)
			}
			m.mu.Unlock()
			view.Status = StatusDisconnected
		}
	}
	return view, nil
}

// SessionIDs lists every live session in creation order.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.IDs()
}

// RegenerateQR mints a fresh QR code on demand for a QR session.
func (m *Manager) RegenerateQR(ctx context.Context, sessionID string) (string, error) {
	return m.qr.GenerateNew(ctx, sessionID)
}

// RegeneratePairingCode mints a fresh pairing code on demand.
func (m *Manager) RegeneratePairingCode(ctx context.Context, sessionID string) (string, error) {
	return m.pairing.GenerateNew(ctx, sessionID)
}

// Restart tears down the session's client and re-runs initialization while
// keeping the registry entry, its identity and its creation time. Codes and
// transient progress are reset.
func (m *Manager) Restart(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s := m.registry.Get(sessionID)
	if s == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	client := s.Client
	s.Client = nil
	s.Epoch++
	s.QRAttempts = 0
	s.LoadingPercent = 0
	s.LoadingMessage = ""
	s.LastError = ""
	m.setStatusLocked(s, StatusInitializing)
	m.qr.Forget(sessionID)
	m.pairing.Forget(sessionID)
	m.mu.Unlock()

	closeClient(sessionID, client)
	logger.Info().Str("session", sessionID).Msg("session restarting")
	m.queueInitialize(sessionID)
	return nil
}

// Disconnect removes the session entirely: client closed, registry entry
// gone, codes dropped, persisted agent token deleted. Issued credentials
// survive so the caller can reconnect later.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s := m.registry.Get(sessionID)
	if s == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	client := s.Client
	s.Epoch++
	m.registry.Delete(sessionID)
	m.qr.Forget(sessionID)
	m.pairing.Forget(sessionID)
	m.updateGaugeLocked()
	m.mu.Unlock()

	closeClient(sessionID, client)
	if err := m.tokens.Delete(sessionID); err != nil {
		sentry.CaptureException(err)
		logger.Err(err).Str("session", sessionID).Msg("deleting agent session token failed")
	}
	logger.Info().Str("session", sessionID).Msg("session disconnected")
	return nil
}

// Reconnect revives a session from a previously issued credential record.
// The proof is the record's auth token plus device ID; anything else is
// rejected without touching the stored usage counters.
func (m *Manager) Reconnect(ctx context.Context, sessionID, authToken, deviceID string) error {
	ctx, span := internal.StartSpan(ctx, "Reconnect")
	defer span.End()
	now := m.nowFn()
	rec, ok, err := m.creds.Verify(sessionID, authToken, deviceID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	m.mu.Lock()
	s := m.registry.Get(sessionID)
	var client wpp.Client
	alreadyConnected := false
	if s != nil && s.Status == StatusConnected {
		client = s.Client
		alreadyConnected = true
	}
	m.mu.Unlock()

	if alreadyConnected && client != nil {
		if connected, err := client.IsConnected(ctx); err == nil && connected {
			// nothing to revive; a short-circuited reconnect does not count
			// as a credential use
			return nil
		}
	}

	if err := m.creds.Touch(sessionID, now); err != nil {
		return err
	}

	m.mu.Lock()
	s = m.registry.Get(sessionID)
	var stale wpp.Client
	if s == nil {
		m.registry.Create(&Session{
			ID:        sessionID,
			Account:   rec.Account,
			Method:    wpp.MethodPairingCode,
			Status:    StatusInitializing,
			CreatedAt: now,
		})
		m.updateGaugeLocked()
	} else {
		stale = s.Client
		s.Client = nil
		s.Epoch++
		m.setStatusLocked(s, StatusInitializing)
		s.LastError = ""
	}
	m.mu.Unlock()

	closeClient(sessionID, stale)
	logger.Info().Str("session", sessionID).Msg("session reconnecting from credentials")
	m.queueInitialize(sessionID)
	return nil
}

// Credentials returns the issued credential record for a session, or nil if
// none exists or it has expired. The session itself need not be live.
func (m *Manager) Credentials(ctx context.Context, sessionID string) (*store.CredentialRecord, error) {
	return m.creds.Load(sessionID, m.nowFn())
}

// SendMessage relays one outbound text through a connected session. The
// connection is probed first; a failed send marks the session errored.
func (m *Manager) SendMessage(ctx context.Context, sessionID, to, body string) error {
	ctx, span := internal.StartSpan(ctx, "SendMessage")
	defer span.End()
	m.mu.Lock()
	s := m.registry.Get(sessionID)
	if s == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	client, epoch := s.Client, s.Epoch
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	connected, err := client.IsConnected(ctx)
	if err != nil {
		return &ClientOpError{Op: "check connection", Err: err}
	}
	if !connected {
		return ErrNotConnected
	}
	if err := client.SendText(ctx, to, body); err != nil {
		opErr := &ClientOpError{Op: "send message", Err: err}
		m.mu.Lock()
		if s := m.sessionForEventLocked(sessionID, epoch); s != nil {
			s.LastError = opErr.Error()
			m.setStatusLocked(s, StatusError)
		}
		m.mu.Unlock()
		sentry.CaptureException(opErr)
		return opErr
	}
	return nil
}

// CleanupExpiredCodes runs both trackers' expiry passes. Safe to call on a
// timer; holding the manager mutex keeps transitions atomic with respect to
// concurrent status reads.
func (m *Manager) CleanupExpiredCodes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.qr.CleanupExpired(); n > 0 {
		logger.Info().Int("sessions", n).Msg("expired QR codes")
	}
	if n := m.pairing.CleanupExpired(); n > 0 {
		logger.Info().Int("sessions", n).Msg("expired pairing codes")
	}
}

// Sweep removes sessions older than the max age, expired credential records
// and orphaned agent tokens. Concurrent invocations collapse to one.
func (m *Manager) Sweep(ctx context.Context) {
	if !m.sweepMu.TryLock() {
		return
	}
	defer m.sweepMu.Unlock()
	ctx, task := internal.StartTask(ctx, "Sweep")
	defer task.End()

	now := m.nowFn()
	cutoff := now.Add(-m.cfg.SessionMaxAge)

	m.mu.Lock()
	var victims []string
	clients := make(map[string]wpp.Client)
	m.registry.ForEach(func(s *Session) {
		if s.CreatedAt.Before(cutoff) {
			victims = append(victims, s.ID)
			clients[s.ID] = s.Client
			s.Epoch++
		}
	})
	for _, id := range victims {
		m.registry.Delete(id)
		m.qr.Forget(id)
		m.pairing.Forget(id)
	}
	m.updateGaugeLocked()
	live := make(map[string]struct{}, m.registry.Len())
	for _, id := range m.registry.IDs() {
		live[id] = struct{}{}
	}
	m.mu.Unlock()

	for _, id := range victims {
		closeClient(id, clients[id])
		if err := m.tokens.Delete(id); err != nil {
			logger.Err(err).Str("session", id).Msg("sweep: deleting agent session token failed")
		}
	}
	if len(victims) > 0 {
		internal.Logf(ctx, "sweep", "removed %d aged-out sessions", len(victims))
		logger.Info().Int("sessions", len(victims)).Msg("swept aged-out sessions")
	}

	if n, err := m.creds.SweepExpired(now); err != nil {
		sentry.CaptureException(err)
		logger.Err(err).Msg("sweep: expiring credentials failed")
	} else if n > 0 {
		logger.Info().Int64("records", n).Msg("swept expired credential records")
	}

	ids, err := m.tokens.AllSessionIDs()
	if err != nil {
		logger.Err(err).Msg("sweep: listing agent session tokens failed")
		return
	}
	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}
		// token without a live session: keep it only while credentials
		// still promise a reconnect
		rec, err := m.creds.Load(id, now)
		if err != nil || rec != nil {
			continue
		}
		if err := m.tokens.Delete(id); err != nil {
			logger.Err(err).Str("session", id).Msg("sweep: deleting orphaned token failed")
		}
	}
}
