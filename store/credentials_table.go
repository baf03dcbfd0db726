package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tidwall/sjson"

	"github.com/wabridge/linkproxy/sqlutil"
)

// DeviceFingerprint is the synthetic device identity minted at issuance.
// DeviceID plus the record's auth token form the sole proof required for
// reconnection.
type DeviceFingerprint struct {
	DeviceID    string    `json:"deviceId"`
	ClientToken string    `json:"clientToken"`
	ServerToken string    `json:"serverToken"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReconnectInstructions is an opaque pass-through of server configuration
// into the record handed to the user.
type ReconnectInstructions struct {
	Endpoint      string `json:"endpoint"`
	ReconnectPath string `json:"reconnectPath"`
	Method        string `json:"method"`
}

// CredentialRecord is the durable proof-of-prior-connection for one session.
// It outlives the session's registry entry, up to its own expiry.
type CredentialRecord struct {
	SessionID   string            `json:"sessionId"`
	Account     string            `json:"accountId"`
	Fingerprint DeviceFingerprint `json:"deviceFingerprint"`

	AuthToken     string `json:"authToken"`
	EncryptionKey string `json:"encryptionKey"`

	// best-effort agent-side material; absent when the fetch failed
	SessionToken string          `json:"sessionToken,omitempty"`
	BrowserID    string          `json:"browserId,omitempty"`
	DeviceInfo   json.RawMessage `json:"deviceInfo,omitempty"`

	ConnectionTime    time.Time `json:"connectionTime"`
	ServerEnvironment string    `json:"serverEnvironment"`

	ExpiresAt  time.Time `json:"expiresAt"`
	LastUsed   time.Time `json:"lastUsed"`
	UsageCount int64     `json:"usageCount"`

	Instructions ReconnectInstructions `json:"instructions"`
}

// CredentialsTable persists CredentialRecords as JSON documents, keyed by
// session ID with a secondary index on the normalized account number.
type CredentialsTable struct {
	db *sqlx.DB
}

func NewCredentialsTable(db *sqlx.DB) *CredentialsTable {
	return &CredentialsTable{db: db}
}

// Upsert writes the full record, replacing any prior row for the session.
func (t *CredentialsTable) Upsert(rec *CredentialRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("CredentialsTable.Upsert: marshal: %w", err)
	}
	_, err = t.db.Exec(
		`INSERT INTO linkproxy_credentials(session_id, account, credential, expires_at, usage_count, last_used)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			account = EXCLUDED.account,
			credential = EXCLUDED.credential,
			expires_at = EXCLUDED.expires_at,
			usage_count = EXCLUDED.usage_count,
			last_used = EXCLUDED.last_used`,
		rec.SessionID, rec.Account, string(doc), rec.ExpiresAt, rec.UsageCount, rec.LastUsed,
	)
	return err
}

// Load returns the record for this session, or nil if none exists. A record
// past its expiry is deleted on read and reported as absent.
func (t *CredentialsTable) Load(sessionID string, now time.Time) (*CredentialRecord, error) {
	return t.loadWhere(`session_id = $1`, sessionID, now)
}

// LoadByAccount is the secondary-index lookup for callers which have lost
// the session ID. If multiple sessions exist for the account, the most
// recently used record wins.
func (t *CredentialsTable) LoadByAccount(account string, now time.Time) (*CredentialRecord, error) {
	return t.loadWhere(`account = $1 ORDER BY last_used DESC LIMIT 1`, account, now)
}

func (t *CredentialsTable) loadWhere(where, arg string, now time.Time) (*CredentialRecord, error) {
	var row struct {
		SessionID  string    `db:"session_id"`
		Credential string    `db:"credential"`
		ExpiresAt  time.Time `db:"expires_at"`
	}
	err := t.db.Get(&row, `SELECT session_id, credential, expires_at FROM linkproxy_credentials WHERE `+where, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if now.After(row.ExpiresAt) {
		if err := t.Delete(row.SessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var rec CredentialRecord
	if err := json.Unmarshal([]byte(row.Credential), &rec); err != nil {
		return nil, fmt.Errorf("CredentialsTable: corrupt credential document for %s: %w", row.SessionID, err)
	}
	return &rec, nil
}

// Touch increments the usage counter and stamps last-used, in both the
// indexed columns and the JSON document, atomically.
func (t *CredentialsTable) Touch(sessionID string, now time.Time) error {
	return sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		var doc string
		if err := txn.Get(&doc, `SELECT credential FROM linkproxy_credentials WHERE session_id = $1 FOR UPDATE`, sessionID); err != nil {
			return err
		}
		count := int64(0)
		var rec CredentialRecord
		if err := json.Unmarshal([]byte(doc), &rec); err == nil {
			count = rec.UsageCount
		}
		doc, _ = sjson.Set(doc, "usageCount", count+1)
		doc, _ = sjson.Set(doc, "lastUsed", now.UTC().Format(time.RFC3339Nano))
		_, err := txn.Exec(
			`UPDATE linkproxy_credentials SET credential = $1, usage_count = usage_count + 1, last_used = $2 WHERE session_id = $3`,
			doc, now, sessionID,
		)
		return err
	})
}

func (t *CredentialsTable) Delete(sessionID string) error {
	_, err := t.db.Exec(`DELETE FROM linkproxy_credentials WHERE session_id = $1`, sessionID)
	return err
}

// DeleteExpired removes every record past its expiry. Idempotent.
func (t *CredentialsTable) DeleteExpired(now time.Time) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM linkproxy_credentials WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
