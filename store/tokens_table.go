package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// SessionToken is the low-level agent session token persisted so a session
// can resume without a fresh linking flow.
type SessionToken struct {
	SessionID string    `db:"session_id"`
	Account   string    `db:"account"`
	Token     string    // plaintext, never stored
	CreatedAt time.Time `db:"created_at"`
}

// TokensTable remembers agent session tokens per session ID.
type TokensTable struct {
	db *sqlx.DB
	// A separate secret used to en/decrypt tokens prior to / after retrieval
	// from the database. This provides additional security as a simple SQL
	// injection attack would be insufficient to retrieve tokens, due to the
	// encryption key not living inside the database / on that machine at all.
	// We cannot use a one-way hash as we need the plaintext to resume sessions.
	key256 []byte
}

func NewTokensTable(db *sqlx.DB, secret string) *TokensTable {
	// derive the key from the secret
	hash := sha256.New()
	hash.Write([]byte(secret))
	return &TokensTable{
		db:     db,
		key256: hash.Sum(nil),
	}
}

func (t *TokensTable) encrypt(token string) string {
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		panic("store.TokensTable encrypt: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic("store.TokensTable encrypt: " + err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		panic("store.TokensTable encrypt: " + err.Error())
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil))
}

func (t *TokensTable) decrypt(nonceAndEncToken string) (string, error) {
	segs := strings.SplitN(nonceAndEncToken, " ", 2)
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt token: malformed ciphertext")
	}
	nonceBytes, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: failed to decode hex: %s", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt token: failed to decode hex: %s", err)
	}
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	token, err := aesgcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// Upsert stores (or replaces) the token for this session.
func (t *TokensTable) Upsert(sessionID, account, token string, createdAt time.Time) error {
	encToken := t.encrypt(token)
	_, err := t.db.Exec(
		`INSERT INTO linkproxy_session_tokens(session_id, account, token_encrypted, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			account = EXCLUDED.account,
			token_encrypted = EXCLUDED.token_encrypted,
			created_at = EXCLUDED.created_at`,
		sessionID, account, encToken, createdAt,
	)
	return err
}

// Load retrieves the decrypted token for this session. Returns nil if no
// token is stored.
func (t *TokensTable) Load(sessionID string) (*SessionToken, error) {
	var row struct {
		SessionID      string    `db:"session_id"`
		Account        string    `db:"account"`
		TokenEncrypted string    `db:"token_encrypted"`
		CreatedAt      time.Time `db:"created_at"`
	}
	err := t.db.Get(&row,
		`SELECT session_id, account, token_encrypted, created_at FROM linkproxy_session_tokens WHERE session_id = $1`,
		sessionID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token, err := t.decrypt(row.TokenEncrypted)
	if err != nil {
		return nil, err
	}
	return &SessionToken{
		SessionID: row.SessionID,
		Account:   row.Account,
		Token:     token,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (t *TokensTable) Delete(sessionID string) error {
	_, err := t.db.Exec(`DELETE FROM linkproxy_session_tokens WHERE session_id = $1`, sessionID)
	return err
}

// AllSessionIDs returns the session ID of every stored token, for the
// orphan sweep.
func (t *TokensTable) AllSessionIDs() ([]string, error) {
	var ids []string
	err := t.db.Select(&ids, `SELECT session_id FROM linkproxy_session_tokens`)
	return ids, err
}
