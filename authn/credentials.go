package authn

import (
	"os"
)

// Credentials identify a Schwab developer application plus the one-time
// authorization code obtained from the interactive login flow. The code is
// consumed on the first token acquisition; afterwards the refresh token
// takes over.
type Credentials struct {
	AppKey            string
	AppSecret         string
	RedirectURL       string
	AuthorizationCode string
}

// CredentialsParams are the inputs for NewCredentials. Empty fields fall
// back to the corresponding environment variables.
type CredentialsParams struct {
	AppKey            string
	AppSecret         string
	RedirectURL       string
	AuthorizationCode string
}

func NewCredentials(p CredentialsParams) Credentials {
	if p.AppKey == "" {
		p.AppKey = os.Getenv("SCHWAB_APP_KEY")
	}
	if p.AppSecret == "" {
		p.AppSecret = os.Getenv("SCHWAB_APP_SECRET")
	}
	if p.RedirectURL == "" {
		p.RedirectURL = os.Getenv("SCHWAB_REDIRECT_URL")
	}
	if p.AuthorizationCode == "" {
		p.AuthorizationCode = os.Getenv("SCHWAB_AUTH_CODE")
	}

	return Credentials{
		AppKey:            p.AppKey,
		AppSecret:         p.AppSecret,
		RedirectURL:       p.RedirectURL,
		AuthorizationCode: p.AuthorizationCode,
	}
}
