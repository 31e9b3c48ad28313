package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/mangadex-client/pkg/apierror"
)

type fakeEndpoint struct {
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32

	refreshErr error
	loginErr   error

	// gate, when set, blocks Refresh until closed.
	gate chan struct{}
}

func (f *fakeEndpoint) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	n := f.refreshCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.refreshErr != nil {
		return TokenPair{}, f.refreshErr
	}
	return TokenPair{Session: fmt.Sprintf("session-r%d", n), Refresh: refreshToken}, nil
}

func (f *fakeEndpoint) Login(ctx context.Context, username, password string) (TokenPair, error) {
	n := f.loginCalls.Add(1)
	if f.loginErr != nil {
		return TokenPair{}, f.loginErr
	}
	return TokenPair{Session: fmt.Sprintf("session-l%d", n), Refresh: "refresh-" + username}, nil
}

func newTestAuthenticator(t *testing.T, cfg Config, endpoint Endpoint) *Authenticator {
	t.Helper()
	a, err := New(cfg, endpoint, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Username: "alice"}, &fakeEndpoint{}, zerolog.Nop())
	assert.ErrorIs(t, err, apierror.ErrInvalidArgument)

	_, err = New(Config{Password: "secret"}, &fakeEndpoint{}, zerolog.Nop())
	assert.ErrorIs(t, err, apierror.ErrInvalidArgument)
}

func TestNew_States(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected State
	}{
		{"no credentials", Config{}, StateAnonymous},
		{"refresh token", Config{RefreshToken: "r"}, StateRefreshOnly},
		{"login pair", Config{Username: "alice", Password: "pw"}, StateRefreshOnly},
		{"anonymous overrides", Config{Username: "alice", Password: "pw", Anonymous: true}, StateAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAuthenticator(t, tt.cfg, &fakeEndpoint{})
			assert.Equal(t, tt.expected, a.State())
		})
	}
}

func TestAcquire_PrefersRefresh(t *testing.T) {
	endpoint := &fakeEndpoint{}
	a := newTestAuthenticator(t, Config{Username: "alice", Password: "pw", RefreshToken: "r"}, endpoint)

	token, err := a.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "session-r1", token)
	assert.Equal(t, int32(1), endpoint.refreshCalls.Load())
	assert.Equal(t, int32(0), endpoint.loginCalls.Load())
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestAcquire_FallsBackToLogin(t *testing.T) {
	endpoint := &fakeEndpoint{refreshErr: &apierror.UnauthorizedError{Method: "POST", Path: RefreshPath, StatusCode: 401}}
	a := newTestAuthenticator(t, Config{Username: "alice", Password: "pw", RefreshToken: "expired"}, endpoint)

	token, err := a.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "session-l1", token)
	assert.Equal(t, "refresh-alice", a.RefreshToken())
	assert.Equal(t, int32(1), endpoint.refreshCalls.Load())
	assert.Equal(t, int32(1), endpoint.loginCalls.Load())
}

func TestAcquire_RefreshRejectedWithoutLogin(t *testing.T) {
	endpoint := &fakeEndpoint{refreshErr: &apierror.UnauthorizedError{Method: "POST", Path: RefreshPath, StatusCode: 401}}
	a := newTestAuthenticator(t, Config{RefreshToken: "expired"}, endpoint)
	before := acquisitionCount(t, "refresh", "failure")

	_, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, apierror.ErrUnauthorized)
	assert.Equal(t, int32(0), endpoint.loginCalls.Load())
	assert.Equal(t, before+1, acquisitionCount(t, "refresh", "failure"))
}

// acquisitionCount reads mangadex_session_acquisitions_total for one label pair.
func acquisitionCount(t *testing.T, method, outcome string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "mangadex_session_acquisitions_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["method"] == method && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestAcquire_OtherRefreshErrorsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	endpoint := &fakeEndpoint{refreshErr: boom}
	a := newTestAuthenticator(t, Config{Username: "alice", Password: "pw", RefreshToken: "r"}, endpoint)

	_, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), endpoint.loginCalls.Load())
}

func TestAcquire_Anonymous(t *testing.T) {
	endpoint := &fakeEndpoint{}
	a := newTestAuthenticator(t, Config{}, endpoint)

	_, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, apierror.ErrUnauthorized)
	assert.Equal(t, int32(0), endpoint.refreshCalls.Load())
}

func TestAcquire_CoalescesConcurrentCallers(t *testing.T) {
	endpoint := &fakeEndpoint{gate: make(chan struct{})}
	a := newTestAuthenticator(t, Config{RefreshToken: "r"}, endpoint)

	const callers = 8
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := a.Acquire(context.Background())
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}

	// Let the callers pile up on the in-flight refresh before releasing it.
	require.Eventually(t, func() bool { return endpoint.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(endpoint.gate)
	wg.Wait()

	assert.LessOrEqual(t, endpoint.refreshCalls.Load(), int32(2))
	for _, token := range tokens {
		assert.NotEmpty(t, token)
	}
}

func TestReacquire_SkipsWhenAlreadyReplaced(t *testing.T) {
	endpoint := &fakeEndpoint{}
	a := newTestAuthenticator(t, Config{RefreshToken: "r"}, endpoint)
	ctx := context.Background()

	first, err := a.Acquire(ctx)
	require.NoError(t, err)
	second, err := a.Reacquire(ctx, first)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// A caller still holding the first token gets the replacement without another refresh.
	third, err := a.Reacquire(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, int32(2), endpoint.refreshCalls.Load())
}

func TestAcquire_CallerCancellation(t *testing.T) {
	endpoint := &fakeEndpoint{gate: make(chan struct{})}
	defer close(endpoint.gate)
	a := newTestAuthenticator(t, Config{RefreshToken: "r"}, endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToken_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAuthenticator(t, Config{RefreshToken: "r"}, &fakeEndpoint{})
	a.SetClock(func() time.Time { return now })

	token, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, a.Token())

	now = now.Add(SessionTTL)
	assert.Equal(t, token, a.Token(), "token is valid up to the TTL")

	now = now.Add(time.Second)
	assert.Empty(t, a.Token())
	assert.Equal(t, StateRefreshOnly, a.State())
}

func TestLogin(t *testing.T) {
	endpoint := &fakeEndpoint{}
	a := newTestAuthenticator(t, Config{}, endpoint)
	ctx := context.Background()

	_, err := a.Login(ctx, "", "")
	assert.ErrorIs(t, err, apierror.ErrUnauthorized)

	_, err = a.Login(ctx, "alice", "")
	assert.ErrorIs(t, err, apierror.ErrInvalidArgument)

	token, err := a.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "session-l1", token)
	assert.True(t, a.HasLogin())
	assert.True(t, a.HasRefreshToken())
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestInvalidateAndClear(t *testing.T) {
	a := newTestAuthenticator(t, Config{Username: "alice", Password: "pw"}, &fakeEndpoint{})
	_, err := a.Acquire(context.Background())
	require.NoError(t, err)

	a.Invalidate()
	assert.Empty(t, a.Token())
	assert.False(t, a.HasRefreshToken())
	assert.True(t, a.HasLogin())
	assert.Equal(t, StateRefreshOnly, a.State())

	a.ClearCredentials()
	assert.False(t, a.HasLogin())
	assert.Equal(t, StateAnonymous, a.State())
}
