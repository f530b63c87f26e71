// Package registry builds provider adapters for stored accounts.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"calhub/internal/caldav"
	"calhub/internal/google"
	"calhub/internal/microsoft"
	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/secret"
)

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	UpdateAccountCredentials(ctx context.Context, id string, blob []byte) error
}

// Options configures the registry.
type Options struct {
	GoogleOAuth    *oauth2.Config
	MicrosoftOAuth *oauth2.Config
	// Breakers, when set, guards every adapter with the account's breaker.
	Breakers *provider.Breakers

	googleOptions    []option.ClientOption
	microsoftBaseURL string
}

// Registry turns accounts into adapters. It decrypts the credential blob,
// picks the adapter for the provider kind and wires token persistence.
type Registry struct {
	logger *slog.Logger
	store  CredentialStore
	box    secret.Box
	opts   Options
}

// New creates a registry.
func New(logger *slog.Logger, store CredentialStore, box secret.Box, opts Options) *Registry {
	if box == nil {
		box = secret.Plain{}
	}
	return &Registry{logger: logger, store: store, box: box, opts: opts}
}

// Adapter builds the adapter for acc. Local accounts have none and return
// provider.ErrLocalAccount.
func (r *Registry) Adapter(ctx context.Context, acc *models.CalendarAccount) (provider.Adapter, error) {
	if acc.Provider == models.ProviderLocal {
		return nil, provider.ErrLocalAccount
	}
	if !acc.Provider.IsValid() {
		return nil, fmt.Errorf("unknown provider %q", acc.Provider)
	}

	blob, err := r.box.Open(acc.Credentials)
	if err != nil {
		return nil, provider.Wrap(provider.ErrCredentialExpired, acc.Provider, "decrypt credentials", err)
	}

	var adapter provider.Adapter
	switch acc.Provider {
	case models.ProviderGoogle:
		adapter, err = r.googleAdapter(ctx, acc, blob)
	case models.ProviderMicrosoft:
		adapter, err = r.microsoftAdapter(ctx, acc, blob)
	case models.ProviderICloud, models.ProviderCalDAV:
		adapter, err = r.caldavAdapter(acc, blob)
	}
	if err != nil {
		return nil, err
	}

	if r.opts.Breakers != nil && acc.ID != "" {
		adapter = r.opts.Breakers.Guard(acc.ID, adapter)
	}
	return adapter, nil
}

func (r *Registry) googleAdapter(ctx context.Context, acc *models.CalendarAccount, blob []byte) (provider.Adapter, error) {
	if r.opts.GoogleOAuth == nil {
		return nil, fmt.Errorf("google oauth client is not configured")
	}
	httpClient, err := r.oauthClient(ctx, acc, r.opts.GoogleOAuth, blob)
	if err != nil {
		return nil, err
	}
	client, err := google.NewClient(ctx, r.logger, httpClient, r.opts.googleOptions...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Registry) microsoftAdapter(ctx context.Context, acc *models.CalendarAccount, blob []byte) (provider.Adapter, error) {
	if r.opts.MicrosoftOAuth == nil {
		return nil, fmt.Errorf("microsoft oauth client is not configured")
	}
	httpClient, err := r.oauthClient(ctx, acc, r.opts.MicrosoftOAuth, blob)
	if err != nil {
		return nil, err
	}
	return microsoft.NewClient(r.logger, httpClient, r.opts.microsoftBaseURL), nil
}

func (r *Registry) caldavAdapter(acc *models.CalendarAccount, blob []byte) (provider.Adapter, error) {
	creds, err := provider.DecodeBasic(blob)
	if err != nil {
		return nil, provider.Wrap(provider.ErrCredentialExpired, acc.Provider, "decode credentials", err)
	}
	client, err := caldav.NewClient(r.logger, acc.Provider, creds.ServerURL, creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// oauthClient returns an HTTP client authorized with the stored token.
// Refreshed tokens are written back to the account.
func (r *Registry) oauthClient(ctx context.Context, acc *models.CalendarAccount, cfg *oauth2.Config, blob []byte) (*http.Client, error) {
	tok, err := provider.DecodeOAuthToken(blob)
	if err != nil {
		return nil, provider.Wrap(provider.ErrCredentialExpired, acc.Provider, "decode credentials", err)
	}
	src := provider.NewNotifyingTokenSource(ctx, cfg, tok, r.persistToken(acc))
	return oauth2.NewClient(ctx, src), nil
}

// persistToken returns the refresh callback for acc. Accounts that are not
// stored yet have nothing to update.
func (r *Registry) persistToken(acc *models.CalendarAccount) func(*oauth2.Token) {
	if acc.ID == "" || r.store == nil {
		return nil
	}
	return func(tok *oauth2.Token) {
		blob, err := provider.EncodeOAuthToken(tok)
		if err != nil {
			r.logger.Error("Failed to encode refreshed token", "accountID", acc.ID, "error", err)
			return
		}
		sealed, err := r.box.Seal(blob)
		if err != nil {
			r.logger.Error("Failed to encrypt refreshed token", "accountID", acc.ID, "error", err)
			return
		}

		// The refresh may happen under a request context that is about to end.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.UpdateAccountCredentials(ctx, acc.ID, sealed); err != nil {
			r.logger.Error("Failed to persist refreshed token", "accountID", acc.ID, "error", err)
			return
		}
		r.logger.Debug("Persisted refreshed token", "accountID", acc.ID, "provider", acc.Provider)
	}
}
