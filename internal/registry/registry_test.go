package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/secret"
)

type memCredentials struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memCredentials) UpdateAccountCredentials(_ context.Context, id string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.blobs[id] = blob
	return nil
}

func (m *memCredentials) get(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBox(t *testing.T) secret.Box {
	t.Helper()
	box, err := secret.NewAESBoxFromBase64Key(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	return box
}

func sealedToken(t *testing.T, box secret.Box, tok *oauth2.Token) []byte {
	t.Helper()
	blob, err := provider.EncodeOAuthToken(tok)
	require.NoError(t, err)
	sealed, err := box.Seal(blob)
	require.NoError(t, err)
	return sealed
}

func TestAdapter_LocalAccount(t *testing.T) {
	r := New(testLogger(), nil, nil, Options{})
	_, err := r.Adapter(context.Background(), &models.CalendarAccount{ID: "a", Provider: models.ProviderLocal})
	assert.ErrorIs(t, err, provider.ErrLocalAccount)
}

func TestAdapter_CalDAV(t *testing.T) {
	box := testBox(t)
	blob, err := provider.EncodeBasic(provider.BasicCredentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	sealed, err := box.Seal(blob)
	require.NoError(t, err)

	r := New(testLogger(), nil, box, Options{Breakers: provider.NewBreakers(testLogger(), time.Minute)})
	adapter, err := r.Adapter(context.Background(), &models.CalendarAccount{ID: "a", Provider: models.ProviderICloud, Credentials: sealed})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderICloud, adapter.Kind())

	_, err = r.Adapter(context.Background(), &models.CalendarAccount{ID: "b", Provider: models.ProviderCalDAV, Credentials: sealed})
	assert.Error(t, err, "generic caldav needs a server url")
}

func TestAdapter_UndecryptableCredentials(t *testing.T) {
	r := New(testLogger(), nil, testBox(t), Options{})
	_, err := r.Adapter(context.Background(), &models.CalendarAccount{ID: "a", Provider: models.ProviderCalDAV, Credentials: []byte("garbage-that-is-long-enough")})
	assert.ErrorIs(t, err, provider.ErrCredentialExpired)
}

func TestAdapter_GoogleRequiresOAuthConfig(t *testing.T) {
	box := testBox(t)
	r := New(testLogger(), nil, box, Options{})
	_, err := r.Adapter(context.Background(), &models.CalendarAccount{
		ID: "a", Provider: models.ProviderGoogle,
		Credentials: sealedToken(t, box, &oauth2.Token{AccessToken: "x"}),
	})
	assert.Error(t, err)
}

func TestAdapter_PersistsRefreshedToken(t *testing.T) {
	var authHeaders []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "fresh", "token_type": "Bearer", "refresh_token": "refresh-2", "expires_in": 3600,
			})
		case "/me/calendars":
			mu.Lock()
			authHeaders = append(authHeaders, r.Header.Get("Authorization"))
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	box := testBox(t)
	creds := &memCredentials{}
	r := New(testLogger(), creds, box, Options{
		MicrosoftOAuth: &oauth2.Config{
			ClientID: "client",
			Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"},
		},
		microsoftBaseURL: srv.URL,
	})

	acc := &models.CalendarAccount{
		ID:       "acct-1",
		Provider: models.ProviderMicrosoft,
		Credentials: sealedToken(t, box, &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(-time.Hour),
		}),
	}
	adapter, err := r.Adapter(context.Background(), acc)
	require.NoError(t, err)

	_, err = adapter.ListCalendars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer fresh"}, authHeaders)

	stored := creds.get("acct-1")
	require.NotEmpty(t, stored)
	plain, err := box.Open(stored)
	require.NoError(t, err)
	tok, err := provider.DecodeOAuthToken(plain)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "refresh-2", tok.RefreshToken)
}
