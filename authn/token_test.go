package authn

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) (*TokenSource, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	source := NewTokenSource(TokenSourceOptions{
		Credentials: Credentials{
			AppKey:            "key",
			AppSecret:         "secret",
			RedirectURL:       "https://127.0.0.1",
			AuthorizationCode: "onetimecode",
		},
		TokenURL: ts.URL,
	})
	return source, ts
}

func TestTokenFirstAcquisitionUsesAuthorizationCode(t *testing.T) {
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "onetimecode", r.PostForm.Get("code"))
		assert.Equal(t, "https://127.0.0.1", r.PostForm.Get("redirect_uri"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		fmt.Fprint(w, `{"access_token":"access1","refresh_token":"refresh1","expires_in":1800,"token_type":"Bearer"}`)
	})

	state, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access1", state.AccessToken)
	assert.Equal(t, "refresh1", state.RefreshToken)
	assert.True(t, state.Valid(time.Now()))
}

func TestTokenRenewalUsesRefreshToken(t *testing.T) {
	var calls int32
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			fmt.Fprint(w, `{"access_token":"access1","refresh_token":"refresh1","expires_in":1800}`)
			return
		}
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh1", r.PostForm.Get("refresh_token"))
		fmt.Fprint(w, `{"access_token":"access2","refresh_token":"refresh2","expires_in":1800}`)
	})

	first, err := source.Token(context.Background())
	require.NoError(t, err)

	second, err := source.Refresh(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "access2", second.AccessToken)
	assert.Equal(t, "refresh2", second.RefreshToken)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestAuthorizationCodeSurvivesTransientFailure(t *testing.T) {
	var calls int32
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		// The retry must still carry the one-time code: the server never
		// consumed it on the failed attempt.
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "onetimecode", r.PostForm.Get("code"))
		fmt.Fprint(w, `{"access_token":"access1","refresh_token":"refresh1","expires_in":1800}`)
	})

	_, err := source.Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReauthorizationRequired)
	assert.NotErrorIs(t, err, ErrNoAuthorizationCode)

	state, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access1", state.AccessToken)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestConcurrentRefreshPerformsSingleExchange(t *testing.T) {
	var exchanges int32
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&exchanges, 1)
		time.Sleep(10 * time.Millisecond) // keep concurrent callers waiting on the lock
		fmt.Fprintf(w, `{"access_token":"access%d","refresh_token":"refresh%d","expires_in":1800}`, n, n)
	})

	stale := source.Store().Get()

	const callers = 16
	results := make([]TokenState, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			state, err := source.Refresh(context.Background(), stale)
			require.NoError(t, err)
			results[i] = state
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&exchanges))
	for _, state := range results {
		assert.Equal(t, "access1", state.AccessToken)
	}
}

func TestRefreshRejectionIsFatal(t *testing.T) {
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unsupported_token_type"}`, http.StatusBadRequest)
	})

	_, err := source.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
}

func TestRefreshServerErrorIsNotFatal(t *testing.T) {
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
	})

	_, err := source.Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReauthorizationRequired)
}

func TestTokenWithoutCodeOrRefreshToken(t *testing.T) {
	source := NewTokenSource(TokenSourceOptions{
		Credentials: Credentials{AppKey: "key", AppSecret: "secret"},
		TokenURL:    "http://127.0.0.1:0",
	})

	_, err := source.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoAuthorizationCode)
}

func TestRenewalKeepsRefreshTokenWhenOmitted(t *testing.T) {
	var calls int32
	source, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"access_token":"access1","refresh_token":"refresh1","expires_in":1800}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"access2","expires_in":1800}`)
	})

	first, err := source.Token(context.Background())
	require.NoError(t, err)

	second, err := source.Refresh(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "refresh1", second.RefreshToken)
}

func TestStoreReplaceIsCompareAndSwap(t *testing.T) {
	store := NewStore()
	old := store.Get()

	a := TokenState{AccessToken: "a", RefreshToken: "ra", ExpiresAt: time.Now().Add(time.Hour)}
	b := TokenState{AccessToken: "b", RefreshToken: "rb", ExpiresAt: time.Now().Add(time.Hour)}

	require.True(t, store.Replace(old, a))
	// b was computed from the same old snapshot, so it must lose.
	assert.False(t, store.Replace(old, b))
	assert.Equal(t, "a", store.Get().AccessToken)

	require.True(t, store.Replace(a, b))
	assert.Equal(t, "b", store.Get().AccessToken)
}
