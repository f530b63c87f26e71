package google

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestOAuthConfig_ExplicitClient(t *testing.T) {
	cfg, err := OAuthConfig("id", "secret", "")
	require.NoError(t, err)
	assert.Equal(t, "id", cfg.ClientID)
	assert.Equal(t, DefaultRedirectURL, cfg.RedirectURL)
	assert.True(t, strings.HasPrefix(cfg.RedirectURL, "http://127.0.0.1:"))
	assert.Contains(t, cfg.Scopes, "https://www.googleapis.com/auth/calendar")

	cfg, err = OAuthConfig("id", "secret", "http://localhost:9999/cb")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/cb", cfg.RedirectURL)
}

func TestTokenFiles(t *testing.T) {
	dir := t.TempDir()
	tok := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	path := filepath.Join(dir, TokenFileName("work"))
	require.NoError(t, SaveToken(path, tok))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := TokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, got.Expiry.Equal(tok.Expiry))

	accounts, err := GetTokenAccounts(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, accounts)
}

func TestCodeReceiver(t *testing.T) {
	recv, err := NewCodeReceiver("http://127.0.0.1:0/oauth2/callback", "state-1")
	require.NoError(t, err)
	t.Cleanup(func() { recv.Close() })

	redirect := recv.RedirectURL()
	assert.True(t, strings.HasPrefix(redirect, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(redirect, "/oauth2/callback"))
	assert.NotContains(t, redirect, ":0/")

	resp, err := http.Get(redirect + "?state=state-1&code=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := recv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestCodeReceiver_RejectsForgedState(t *testing.T) {
	recv, err := NewCodeReceiver("http://localhost:0/cb", "state-1")
	require.NoError(t, err)
	t.Cleanup(func() { recv.Close() })

	resp, err := http.Get(recv.RedirectURL() + "?state=other&code=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = recv.Wait(ctx)
	assert.Error(t, err)
}

func TestCodeReceiver_NonLoopback(t *testing.T) {
	_, err := NewCodeReceiver("urn:ietf:wg:oauth:2.0:oob", "s")
	assert.Error(t, err)
	_, err = NewCodeReceiver("https://calhub.example.com/cb", "s")
	assert.Error(t, err)
}
