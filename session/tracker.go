package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/wabridge/linkproxy/wpp"
)

const (
	// DefaultQRCodeTTL matches the refresh cadence of the upstream QR flow.
	DefaultQRCodeTTL = 60 * time.Second
	// DefaultPairingCodeTTL is how long a pairing code stays enterable.
	DefaultPairingCodeTTL = 300 * time.Second

	DefaultReadyTimeout      = 30 * time.Second
	DefaultReadyPollInterval = 1 * time.Second
)

// CodeStatus is the observable state of a session's linking code. A session
// which never received a code reports IsExpired=true with no expiry time.
type CodeStatus struct {
	Code          string
	Expiry        *time.Time
	IsExpired     bool
	TimeRemaining time.Duration
}

// CodeTracker tracks the active linking code of every session using one
// method, with expiry enforced by the cache TTL. Expiry is monotonic: once a
// code has lapsed, only RecordNewCode resurrects it.
//
// RecordNewCode, Status, IsExpired, Forget and CleanupExpired expect the
// caller to hold the Manager's mutex. GenerateNew takes the mutex itself and
// must be called without it.
type CodeTracker struct {
	method   wpp.LinkMethod
	registry *Registry
	locker   sync.Locker
	codes    *ttlcache.Cache[string, string]
	ttl      time.Duration

	readyTimeout      time.Duration
	readyPollInterval time.Duration

	countAttempts bool
	mint          func(ctx context.Context, client wpp.Client, account string) (string, error)
}

// NewQRTracker tracks QR codes. ttl <= 0 selects the default.
func NewQRTracker(registry *Registry, locker sync.Locker, ttl time.Duration) *CodeTracker {
	if ttl <= 0 {
		ttl = DefaultQRCodeTTL
	}
	t := newCodeTracker(wpp.MethodQR, registry, locker, ttl)
	t.countAttempts = true
	t.mint = func(ctx context.Context, client wpp.Client, _ string) (string, error) {
		return client.GenerateQR(ctx)
	}
	return t
}

// NewPairingTracker tracks pairing codes. ttl <= 0 selects the default.
func NewPairingTracker(registry *Registry, locker sync.Locker, ttl time.Duration) *CodeTracker {
	if ttl <= 0 {
		ttl = DefaultPairingCodeTTL
	}
	t := newCodeTracker(wpp.MethodPairingCode, registry, locker, ttl)
	t.mint = func(ctx context.Context, client wpp.Client, account string) (string, error) {
		return client.GeneratePairingCode(ctx, account)
	}
	return t
}

func newCodeTracker(method wpp.LinkMethod, registry *Registry, locker sync.Locker, ttl time.Duration) *CodeTracker {
	return &CodeTracker{
		method:   method,
		registry: registry,
		locker:   locker,
		codes: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		ttl:               ttl,
		readyTimeout:      DefaultReadyTimeout,
		readyPollInterval: DefaultReadyPollInterval,
	}
}

func (t *CodeTracker) statusReady() Status {
	if t.method == wpp.MethodQR {
		return StatusQRReady
	}
	return StatusPairingReady
}

func (t *CodeTracker) statusExpired() Status {
	if t.method == wpp.MethodQR {
		return StatusQRExpired
	}
	return StatusPairingExpired
}

// RecordNewCode stores a freshly minted code, replacing any prior one and
// resetting the expiry window. Returns ErrSessionNotFound for unknown IDs.
func (t *CodeTracker) RecordNewCode(sessionID, code string) error {
	s := t.registry.Get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	t.recordLocked(s, code, 0)
	return nil
}

func (t *CodeTracker) recordLocked(s *Session, code string, attempt int) {
	t.codes.Set(s.ID, code, ttlcache.DefaultTTL)
	if t.countAttempts {
		if attempt > 0 {
			s.QRAttempts = attempt
		} else {
			s.QRAttempts++
		}
	}
}

// IsExpired reports whether the session's code has lapsed or was never
// recorded.
func (t *CodeTracker) IsExpired(sessionID string) bool {
	return t.codes.Get(sessionID) == nil
}

// StatusFor reports the current code, its expiry and the remaining validity.
func (t *CodeTracker) StatusFor(sessionID string) CodeStatus {
	item := t.codes.Get(sessionID)
	if item == nil {
		return CodeStatus{IsExpired: true}
	}
	expiry := item.ExpiresAt()
	remaining := time.Until(expiry)
	if remaining < 0 {
		remaining = 0
	}
	return CodeStatus{
		Code:          item.Value(),
		Expiry:        &expiry,
		TimeRemaining: remaining,
	}
}

// Forget drops the session's code without any status transition, for session
// teardown and restarts.
func (t *CodeTracker) Forget(sessionID string) {
	t.codes.Delete(sessionID)
}

// CleanupExpired walks every session using this tracker's method and flips
// "code ready" sessions whose code has lapsed into the expired status. Codes
// belonging to sessions no longer in the registry are dropped. Idempotent.
func (t *CodeTracker) CleanupExpired() int {
	t.codes.DeleteExpired()
	transitioned := 0
	t.registry.ForEach(func(s *Session) {
		if s.Method != t.method {
			return
		}
		if s.Status == t.statusReady() && t.IsExpired(s.ID) {
			s.Status = t.statusExpired()
			transitioned++
		}
	})
	live := make(map[string]struct{}, t.registry.Len())
	for _, id := range t.registry.IDs() {
		live[id] = struct{}{}
	}
	for _, id := range t.codes.Keys() {
		if _, ok := live[id]; !ok {
			t.codes.Delete(id)
		}
	}
	return transitioned
}

// GenerateNew mints a fresh code on demand. It waits up to the ready timeout
// for the session's client to come up, calls the agent without holding the
// Manager's mutex, then records the code if the client handle was not
// replaced in the meantime.
func (t *CodeTracker) GenerateNew(ctx context.Context, sessionID string) (string, error) {
	t.locker.Lock()
	s := t.registry.Get(sessionID)
	if s == nil {
		t.locker.Unlock()
		return "", ErrSessionNotFound
	}
	if s.Method != t.method {
		t.locker.Unlock()
		return "", ErrMethodMismatch
	}
	account := s.Account
	t.locker.Unlock()

	client, epoch, err := t.waitForClient(ctx, sessionID)
	if err != nil {
		return "", err
	}
	code, err := t.mint(ctx, client, account)
	if err != nil {
		return "", &ClientOpError{Op: "generate " + string(t.method), Err: err}
	}

	t.locker.Lock()
	defer t.locker.Unlock()
	s = t.registry.Get(sessionID)
	if s == nil {
		return "", ErrSessionNotFound
	}
	if s.Epoch != epoch {
		// the client we minted against was torn down mid-call; the code is
		// worthless, do not record it
		return "", &ClientOpError{Op: "generate " + string(t.method), Err: fmt.Errorf("client was replaced during generation")}
	}
	t.recordLocked(s, code, 0)
	// only linking-phase sessions move to the ready status; a session that is
	// already CONNECTED (or disconnected/errored) keeps its state
	switch s.Status {
	case StatusInitializing, StatusConnecting, t.statusReady(), t.statusExpired():
		s.Status = t.statusReady()
	}
	return code, nil
}

// waitForClient polls until the session has a ready client, the ready timeout
// lapses, or ctx is done.
func (t *CodeTracker) waitForClient(ctx context.Context, sessionID string) (wpp.Client, uint64, error) {
	deadline := time.Now().Add(t.readyTimeout)
	for {
		t.locker.Lock()
		s := t.registry.Get(sessionID)
		if s == nil {
			t.locker.Unlock()
			return nil, 0, ErrSessionNotFound
		}
		client, epoch := s.Client, s.Epoch
		t.locker.Unlock()
		if client != nil && client.Ready() {
			return client, epoch, nil
		}
		if time.Now().After(deadline) {
			return nil, 0, ErrClientNotReady
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(t.readyPollInterval):
		}
	}
}
