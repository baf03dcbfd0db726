package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wabridge/linkproxy/store"
)

func TestNormalizeAccount(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"15551290001", "15551290001", false},
		{"+1 (555) 129-0001", "15551290001", false},
		{"555.129.0001 ext", "5551290001", false},
		{"123456789", "", true},
		{"", "", true},
		{"no digits at all", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeAccount(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeAccount(%q): expected an error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeAccount(%q): %s", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeAccount(%q): got %q want %q", c.in, got, c.want)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if len(id) != 32 {
			t.Fatalf("NewSessionID: got %q, want 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("NewSessionID: duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestNotifyIssuedRedactsSummary(t *testing.T) {
	creds := NewCredentialStore(nil, "test", "https://example.com", 0)
	client := &fakeClient{}
	rec := &store.CredentialRecord{
		SessionID:     "notify_test",
		Account:       "15551290002",
		AuthToken:     "auth-value",
		EncryptionKey: "very-secret-key-material",
		SessionToken:  "agent-side-token",
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}
	creds.NotifyIssued(context.Background(), client, rec)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sentTexts) != 1 {
		t.Fatalf("sent texts: got %d want 1", len(client.sentTexts))
	}
	text := client.sentTexts[0]
	if !strings.HasPrefix(text, rec.Account+": ") {
		t.Errorf("notification went to %q, want the linked account", text)
	}
	if !strings.Contains(text, "notify_test") {
		t.Errorf("summary is missing the session ID: %s", text)
	}
	t.Log("The inline summary must not leak key material; the file carries the full record.")
	if strings.Contains(text, "very-secret-key-material") || strings.Contains(text, "agent-side-token") {
		t.Errorf("summary leaks secrets: %s", text)
	}
	if len(client.sentFiles) != 1 || client.sentFiles[0] != "credentials-notify_test.json" {
		t.Errorf("sent files: %v", client.sentFiles)
	}
}
