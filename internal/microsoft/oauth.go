package microsoft

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// DefaultScopes are the Graph permissions calhub requests.
var DefaultScopes = []string{
	"https://graph.microsoft.com/Calendars.ReadWrite",
	"https://graph.microsoft.com/User.Read",
	"offline_access",
}

// OAuthConfig returns the OAuth2 config for the multi-tenant Azure AD
// endpoint.
func OAuthConfig(clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	if clientID == "" {
		return nil, fmt.Errorf("microsoft client id is not configured. Please provide MICROSOFT_CLIENT_ID")
	}
	if redirectURL == "" {
		redirectURL = "http://localhost"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       DefaultScopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}, nil
}
