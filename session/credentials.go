package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/sjson"

	"github.com/wabridge/linkproxy/store"
	"github.com/wabridge/linkproxy/wpp"
)

// DefaultCredentialTTL is how long an issued credential record stays
// honoured for reconnection.
const DefaultCredentialTTL = 30 * 24 * time.Hour

// CredentialStore issues and verifies durable proof-of-prior-connection
// records, backed by the credentials table.
type CredentialStore struct {
	table       *store.CredentialsTable
	environment string
	endpoint    string
	ttl         time.Duration
}

func NewCredentialStore(table *store.CredentialsTable, environment, endpoint string, ttl time.Duration) *CredentialStore {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &CredentialStore{
		table:       table,
		environment: environment,
		endpoint:    endpoint,
		ttl:         ttl,
	}
}

// Issue mints a fresh credential record for a session which just connected
// and persists it, replacing any prior record for the session. The agent-side
// material (session token, browser ID, device info) is best-effort: a failed
// fetch is logged and the field left empty.
func (c *CredentialStore) Issue(ctx context.Context, sessionID, account string, client wpp.Client, now time.Time) (*store.CredentialRecord, error) {
	rec := &store.CredentialRecord{
		SessionID: sessionID,
		Account:   account,
		Fingerprint: store.DeviceFingerprint{
			DeviceID:    randomHex(32),
			ClientToken: randomHex(16),
			ServerToken: randomHex(16),
			CreatedAt:   now,
		},
		AuthToken:         randomHex(32),
		EncryptionKey:     randomHex(32),
		ConnectionTime:    now,
		ServerEnvironment: c.environment,
		ExpiresAt:         now.Add(c.ttl),
		LastUsed:          now,
		UsageCount:        0,
		Instructions: store.ReconnectInstructions{
			Endpoint:      c.endpoint,
			ReconnectPath: "/api/sessions/" + sessionID + "/reconnect",
			Method:        "POST",
		},
	}
	if client != nil {
		if token, err := client.SessionToken(ctx); err != nil {
			logger.Warn().Str("session", sessionID).Err(err).Msg("could not fetch agent session token for credential record")
		} else {
			rec.SessionToken = token
		}
		if browserID, err := client.BrowserID(ctx); err != nil {
			logger.Warn().Str("session", sessionID).Err(err).Msg("could not fetch browser ID for credential record")
		} else {
			rec.BrowserID = browserID
		}
		if info, err := client.DeviceInfo(ctx); err != nil {
			logger.Warn().Str("session", sessionID).Err(err).Msg("could not fetch device info for credential record")
		} else {
			rec.DeviceInfo = info
		}
	}
	if err := c.table.Upsert(rec); err != nil {
		return nil, &PersistenceError{Op: "issue credentials", Err: err}
	}
	return rec, nil
}

// Load returns the stored record, or nil if none exists or it has expired.
func (c *CredentialStore) Load(sessionID string, now time.Time) (*store.CredentialRecord, error) {
	rec, err := c.table.Load(sessionID, now)
	if err != nil {
		return nil, &PersistenceError{Op: "load credentials", Err: err}
	}
	return rec, nil
}

// Verify checks the presented auth token and device ID against the stored
// record. It returns the record so the caller can recover the account, plus
// whether the proof matched. An absent or expired record never matches.
func (c *CredentialStore) Verify(sessionID, authToken, deviceID string, now time.Time) (*store.CredentialRecord, bool, error) {
	rec, err := c.table.Load(sessionID, now)
	if err != nil {
		return nil, false, &PersistenceError{Op: "verify credentials", Err: err}
	}
	if rec == nil {
		return nil, false, nil
	}
	tokenOK := subtle.ConstantTimeCompare([]byte(rec.AuthToken), []byte(authToken)) == 1
	deviceOK := subtle.ConstantTimeCompare([]byte(rec.Fingerprint.DeviceID), []byte(deviceID)) == 1
	if !tokenOK || !deviceOK {
		return rec, false, nil
	}
	return rec, true, nil
}

// Touch records a successful credential use.
func (c *CredentialStore) Touch(sessionID string, now time.Time) error {
	if err := c.table.Touch(sessionID, now); err != nil {
		return &PersistenceError{Op: "touch credentials", Err: err}
	}
	return nil
}

// Remove deletes the record outright, regardless of expiry.
func (c *CredentialStore) Remove(sessionID string) error {
	if err := c.table.Delete(sessionID); err != nil {
		return &PersistenceError{Op: "remove credentials", Err: err}
	}
	return nil
}

// SweepExpired removes every expired record and reports how many went.
func (c *CredentialStore) SweepExpired(now time.Time) (int64, error) {
	n, err := c.table.DeleteExpired(now)
	if err != nil {
		return 0, &PersistenceError{Op: "sweep credentials", Err: err}
	}
	return n, nil
}

// NotifyIssued sends the freshly issued record to the linked account itself:
// a short text summary plus the full record as a JSON file attachment. Every
// failure is logged and swallowed; notification is best-effort by contract.
func (c *CredentialStore) NotifyIssued(ctx context.Context, client wpp.Client, rec *store.CredentialRecord) {
	doc, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		logger.Warn().Str("session", rec.SessionID).Err(err).Msg("could not marshal credential record for notification")
		return
	}
	summary, _ := sjson.Delete(string(doc), "encryptionKey")
	summary, _ = sjson.Delete(summary, "sessionToken")
	summary, _ = sjson.Delete(summary, "deviceInfo")
	msg := fmt.Sprintf(
		"Your session is connected.\nSession ID: %s\nCredentials valid until: %s\nKeep the attached file safe; it is required to reconnect.\n\n%s",
		rec.SessionID, rec.ExpiresAt.Format(time.RFC1123), summary,
	)
	if err := client.SendText(ctx, rec.Account, msg); err != nil {
		logger.Warn().Str("session", rec.SessionID).Err(err).Msg("credential notification text failed")
	}
	filename := fmt.Sprintf("credentials-%s.json", rec.SessionID)
	if err := client.SendFile(ctx, rec.Account, filename, "Reconnection credentials", doc); err != nil {
		logger.Warn().Str("session", rec.SessionID).Err(err).Msg("credential notification file failed")
	}
}
