package authn

import (
	"os"

	"golang.org/x/oauth2"
)

func AuthorizeURL() string {
	if authURLFromEnv := os.Getenv("SCHWAB_API_AUTHORIZE_URL"); authURLFromEnv != "" {
		return authURLFromEnv
	}

	return "https://api.schwabapi.com/v1/oauth/authorize"
}

// AuthCodeURL builds the URL the operator has to visit to obtain a fresh
// one-time authorization code, e.g. after a TokenSource has reported
// ErrReauthorizationRequired. The state parameter is echoed back on the
// redirect and should be verified by the caller.
func AuthCodeURL(creds Credentials, state string) string {
	conf := &oauth2.Config{
		ClientID:    creds.AppKey,
		RedirectURL: creds.RedirectURL,
		Scopes:      []string{"readonly"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  AuthorizeURL(),
			TokenURL: TokenURL(),
		},
	}
	return conf.AuthCodeURL(state)
}
