package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// expirySkew is subtracted from the token lifetime reported by the server so
// that a token is refreshed shortly before the server would reject it.
const expirySkew = 60 * time.Second

// ErrReauthorizationRequired is returned when the token endpoint rejects the
// refresh token (or the one-time authorization code). The operator has to
// re-run the interactive authorization flow; no automatic retry can recover.
var ErrReauthorizationRequired = errors.New("refresh token rejected, interactive reauthorization required")

// ErrNoAuthorizationCode is returned when the store is empty and no
// authorization code is available for the initial token exchange.
var ErrNoAuthorizationCode = errors.New("no token and no authorization code available")

// TokenState is an immutable snapshot of the current OAuth2 tokens.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the access token can still be sent at time now.
func (t TokenState) Valid(now time.Time) bool {
	return t.AccessToken != "" && t.ExpiresAt.After(now)
}

// Store holds the process-wide token state shared by the REST pipeline and
// the stream client. There is no direct setter: every update goes through
// Replace so that concurrent refresh attempts converge on a single winner.
type Store struct {
	mu    sync.Mutex
	state TokenState
}

func NewStore() *Store {
	return &Store{}
}

// Get returns the current token snapshot.
func (s *Store) Get() TokenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Replace swaps the stored state for next only if the caller's old snapshot
// still matches the stored value. It returns false when another writer got
// there first, in which case the stale result must be discarded.
//
// ExpiresAt is excluded from the comparison: time.Time equality is polluted
// by the monotonic clock reading.
func (s *Store) Replace(old, next TokenState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.AccessToken != old.AccessToken || s.state.RefreshToken != old.RefreshToken {
		return false
	}
	s.state = next
	return true
}

func TokenURL() string {
	if tokenURLFromEnv := os.Getenv("SCHWAB_API_TOKEN_URL"); tokenURLFromEnv != "" {
		return tokenURLFromEnv
	}

	return "https://api.schwabapi.com/v1/oauth/token"
}

// TokenSourceOptions configure a TokenSource.
type TokenSourceOptions struct {
	Credentials Credentials
	TokenURL    string
	HTTPClient  *http.Client
	Store       *Store
}

// TokenSource produces valid access tokens, transparently exchanging the
// one-time authorization code on first use and the refresh token afterwards.
// A single TokenSource (and its Store) must be shared by every component
// that authenticates against the API.
type TokenSource struct {
	credentials Credentials
	tokenURL    string
	httpClient  *http.Client
	store       *Store

	refreshMu sync.Mutex // serializes token endpoint exchanges
	codeUsed  bool
}

func NewTokenSource(opts TokenSourceOptions) *TokenSource {
	if opts.TokenURL == "" {
		opts.TokenURL = TokenURL()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	if opts.Store == nil {
		opts.Store = NewStore()
	}

	return &TokenSource{
		credentials: opts.Credentials,
		tokenURL:    opts.TokenURL,
		httpClient:  opts.HTTPClient,
		store:       opts.Store,
	}
}

// Store exposes the shared token store.
func (ts *TokenSource) Store() *Store {
	return ts.store
}

// Token returns a token that is valid according to the local clock,
// refreshing first when the stored one has expired.
func (ts *TokenSource) Token(ctx context.Context) (TokenState, error) {
	state := ts.store.Get()
	if state.Valid(time.Now()) {
		return state, nil
	}
	return ts.Refresh(ctx, state)
}

// Refresh performs a single coordinated token exchange. Callers pass the
// snapshot they observed as stale; if another caller already replaced it
// while this one waited for the lock, the fresh state is returned without a
// duplicate exchange.
func (ts *TokenSource) Refresh(ctx context.Context, stale TokenState) (TokenState, error) {
	ts.refreshMu.Lock()
	defer ts.refreshMu.Unlock()

	current := ts.store.Get()
	if current.AccessToken != stale.AccessToken && current.Valid(time.Now()) {
		// Someone else refreshed while we waited for the lock.
		return current, nil
	}

	next, err := ts.exchange(ctx, current)
	if err != nil {
		return TokenState{}, err
	}

	if !ts.store.Replace(current, next) {
		// A concurrent writer won; our result is stale by definition.
		return ts.store.Get(), nil
	}
	return next, nil
}

func (ts *TokenSource) exchange(ctx context.Context, current TokenState) (TokenState, error) {
	form := url.Values{}
	usingCode := false
	switch {
	case current.RefreshToken != "":
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", current.RefreshToken)
	case ts.credentials.AuthorizationCode != "" && !ts.codeUsed:
		form.Set("grant_type", "authorization_code")
		form.Set("code", ts.credentials.AuthorizationCode)
		form.Set("redirect_uri", ts.credentials.RedirectURL)
		usingCode = true
	default:
		return TokenState{}, ErrNoAuthorizationCode
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenState{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ts.credentials.AppKey, ts.credentials.AppSecret)

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return TokenState{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return TokenState{}, fmt.Errorf("%w: %s", ErrReauthorizationRequired, authErrorFromResponse(resp))
		}
		return TokenState{}, authErrorFromResponse(resp)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return TokenState{}, fmt.Errorf("decode: %w", err)
	}

	expiresIn := time.Duration(tokenResp.ExpiresIn)*time.Second - expirySkew
	next := TokenState{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(expiresIn),
	}
	if next.RefreshToken == "" {
		// The endpoint may omit the refresh token on renewal; keep the old one.
		next.RefreshToken = current.RefreshToken
	}
	if usingCode {
		// The code is single-use on the server side, but only once a
		// successful exchange has consumed it. A transient failure above
		// must leave it available for the caller's retry.
		ts.codeUsed = true
	}
	return next, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type authnError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error"`
	Body       string `json:"-"`
}

func authErrorFromResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var authErr authnError
	if err := json.Unmarshal(body, &authErr); err != nil {
		return fmt.Errorf("%s (HTTP %d)", body, resp.StatusCode)
	}
	authErr.StatusCode = resp.StatusCode
	authErr.Body = strings.TrimSpace(string(body))
	return &authErr
}

func (e *authnError) Error() string {
	msg := e.ErrorCode
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
}
