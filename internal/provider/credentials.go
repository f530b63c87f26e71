package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// BasicCredentials authenticate CalDAV-family accounts.
type BasicCredentials struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ServerURL string `json:"server_url,omitempty"`
}

// DecodeOAuthToken decodes a stored OAuth token blob.
func DecodeOAuthToken(blob []byte) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(blob, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode oauth token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("oauth token blob carries no token")
	}
	return &tok, nil
}

// EncodeOAuthToken encodes a token for storage.
func EncodeOAuthToken(tok *oauth2.Token) ([]byte, error) {
	return json.Marshal(tok)
}

// DecodeBasic decodes a stored username/password blob.
func DecodeBasic(blob []byte) (*BasicCredentials, error) {
	var c BasicCredentials
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, fmt.Errorf("failed to decode basic credentials: %w", err)
	}
	if c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("basic credentials require username and password")
	}
	return &c, nil
}

// EncodeBasic encodes basic credentials for storage.
func EncodeBasic(c BasicCredentials) ([]byte, error) {
	return json.Marshal(c)
}

// NotifyingTokenSource wraps a token source and calls onRefresh whenever it
// hands out a token different from the last one seen.
type NotifyingTokenSource struct {
	mu        sync.Mutex
	src       oauth2.TokenSource
	last      string
	onRefresh func(*oauth2.Token)
}

// NewNotifyingTokenSource starts from initial; onRefresh may be nil.
func NewNotifyingTokenSource(ctx context.Context, cfg *oauth2.Config, initial *oauth2.Token, onRefresh func(*oauth2.Token)) *NotifyingTokenSource {
	return &NotifyingTokenSource{
		src:       cfg.TokenSource(ctx, initial),
		last:      initial.AccessToken,
		onRefresh: onRefresh,
	}
}

// Token implements oauth2.TokenSource.
func (s *NotifyingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()

	if changed && s.onRefresh != nil {
		s.onRefresh(tok)
	}
	return tok, nil
}
