package session

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/wabridge/linkproxy/wpp"
)

// Status is the lifecycle state of a session. Values emitted by the
// automation agent are carried verbatim so callers see the same vocabulary
// the agent uses.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusConnecting     Status = "connecting"
	StatusQRReady        Status = "qr_code_ready"
	StatusQRExpired      Status = "qr_code_expired"
	StatusPairingReady   Status = "pairing_code_ready"
	StatusPairingExpired Status = "pairing_code_expired"
	StatusConnected      Status = "CONNECTED"
	StatusDisconnected   Status = "disconnected"
	StatusError          Status = "error"
)

// Session is one live messaging-platform link attempt or connection. All
// fields are guarded by the Manager's mutex; the client handle itself is
// safe for concurrent use once captured.
type Session struct {
	ID      string
	Account string
	Method  wpp.LinkMethod
	Status  Status

	QRAttempts     int
	LoadingPercent int
	LoadingMessage string

	CreatedAt time.Time
	LastError string

	// Client is nil until initialization constructs one. Epoch increments
	// every time the handle is replaced or discarded; events carrying a
	// stale epoch are dropped.
	Client wpp.Client
	Epoch  uint64
}

// NewSessionID mints a 16-byte crypto-random hex session identifier.
func NewSessionID() string {
	return randomHex(16)
}

func randomHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		panic("session: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// NormalizeAccount strips every non-digit rune and rejects anything shorter
// than 10 digits.
func NormalizeAccount(accountID string) (string, error) {
	var sb strings.Builder
	for _, r := range accountID {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if len(digits) < 10 {
		return "", ErrInvalidAccountID
	}
	return digits, nil
}
