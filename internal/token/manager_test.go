package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/livechat-bridge/internal/identity"
)

type fakeIdentity struct {
	meCalls      atomic.Int64
	refreshCalls atomic.Int64
	refreshDelay time.Duration

	mu         sync.Mutex
	info       identity.UserInfo
	meErr      error
	pair       identity.TokenPair
	refreshErr error
}

func (f *fakeIdentity) Me(_ context.Context, _ string) (identity.UserInfo, error) {
	f.meCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return identity.UserInfo{}, f.meErr
	}
	return f.info, nil
}

func (f *fakeIdentity) Refresh(ctx context.Context, _ string) (identity.TokenPair, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		select {
		case <-time.After(f.refreshDelay):
		case <-ctx.Done():
			return identity.TokenPair{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return identity.TokenPair{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return identity.TokenPair{}, f.refreshErr
	}
	return f.pair, nil
}

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(expiresIn)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

func newTestSession(t *testing.T) Session {
	t.Helper()
	return NewMemoryStore().Create()
}

func TestEnsureFreshValidTokenMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{}
	manager := NewManager(ManagerConfig{Identity: api})

	session := newTestSession(t)
	session.Set(KeyAccessToken, signedToken(t, time.Hour))

	assert.True(t, manager.EnsureFresh(context.Background(), session))
	assert.Zero(t, api.refreshCalls.Load())
	assert.Zero(t, api.meCalls.Load())
}

func TestEnsureFreshNoTokenIsFalse(t *testing.T) {
	t.Parallel()

	manager := NewManager(ManagerConfig{Identity: &fakeIdentity{}})
	assert.False(t, manager.EnsureFresh(context.Background(), newTestSession(t)))
}

func TestEnsureFreshNearExpiryRefreshesAndReplacesBothTokens(t *testing.T) {
	t.Parallel()

	newAccess := signedToken(t, time.Hour)
	api := &fakeIdentity{
		pair: identity.TokenPair{AccessToken: newAccess, RefreshToken: "new-refresh"},
		info: identity.UserInfo{Email: "user@x.com", ClientID: "client-42"},
	}
	manager := NewManager(ManagerConfig{Identity: api})

	session := newTestSession(t)
	session.Set(KeyAccessToken, signedToken(t, 2*time.Minute))
	session.Set(KeyRefreshToken, "old-refresh")

	require.True(t, manager.EnsureFresh(context.Background(), session))
	assert.Equal(t, int64(1), api.refreshCalls.Load())
	assert.Equal(t, newAccess, session.Get(KeyAccessToken))
	assert.Equal(t, "new-refresh", session.Get(KeyRefreshToken))
	assert.Equal(t, "client-42", session.Get(KeyClientID))
}

func TestEnsureFreshUndecodableTokenTriggersRefresh(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{
		pair: identity.TokenPair{AccessToken: signedToken(t, time.Hour), RefreshToken: "new-refresh"},
		info: identity.UserInfo{Email: "user@x.com", ClientID: "client-42"},
	}
	manager := NewManager(ManagerConfig{Identity: api})

	session := newTestSession(t)
	session.Set(KeyAccessToken, "not-a-jwt")
	session.Set(KeyRefreshToken, "old-refresh")

	assert.True(t, manager.EnsureFresh(context.Background(), session))
	assert.Equal(t, int64(1), api.refreshCalls.Load())
}

func TestEnsureFreshFailedRefreshLeavesTokensUntouched(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{refreshErr: errors.New("upstream rejected")}
	manager := NewManager(ManagerConfig{Identity: api})

	oldAccess := signedToken(t, time.Minute)
	session := newTestSession(t)
	session.Set(KeyAccessToken, oldAccess)
	session.Set(KeyRefreshToken, "old-refresh")

	assert.False(t, manager.EnsureFresh(context.Background(), session))
	assert.Equal(t, oldAccess, session.Get(KeyAccessToken))
	assert.Equal(t, "old-refresh", session.Get(KeyRefreshToken))
}

func TestEnsureFreshFailedClientIDLookupAfterRefreshIsFalse(t *testing.T) {
	t.Parallel()

	newAccess := signedToken(t, time.Hour)
	api := &fakeIdentity{
		pair:  identity.TokenPair{AccessToken: newAccess, RefreshToken: "new-refresh"},
		meErr: errors.New("me endpoint down"),
	}
	manager := NewManager(ManagerConfig{Identity: api})

	session := newTestSession(t)
	session.Set(KeyAccessToken, signedToken(t, time.Minute))
	session.Set(KeyRefreshToken, "old-refresh")
	session.Set(KeyClientID, "client-42")

	assert.False(t, manager.EnsureFresh(context.Background(), session),
		"a session whose client id cannot be re-resolved is not usable")
	assert.Equal(t, int64(1), api.refreshCalls.Load())
	assert.Equal(t, newAccess, session.Get(KeyAccessToken), "the exchanged tokens still replace the expiring pair")
	assert.Equal(t, "new-refresh", session.Get(KeyRefreshToken))
}

func TestEnsureFreshCanceledCallerDoesNotFailTheFlight(t *testing.T) {
	t.Parallel()

	newAccess := signedToken(t, time.Hour)
	api := &fakeIdentity{
		pair:         identity.TokenPair{AccessToken: newAccess, RefreshToken: "new-refresh"},
		info:         identity.UserInfo{Email: "user@x.com", ClientID: "client-42"},
		refreshDelay: 20 * time.Millisecond,
	}
	manager := NewManager(ManagerConfig{Identity: api})

	session := newTestSession(t)
	session.Set(KeyAccessToken, signedToken(t, time.Minute))
	session.Set(KeyRefreshToken, "old-refresh")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, manager.EnsureFresh(ctx, session),
		"the refresh runs detached from the initiating request's context")
	assert.Equal(t, int64(1), api.refreshCalls.Load())
	assert.Equal(t, newAccess, session.Get(KeyAccessToken))
}

func TestEnsureFreshConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{
		pair:         identity.TokenPair{AccessToken: signedToken(t, time.Hour), RefreshToken: "new-refresh"},
		info:         identity.UserInfo{Email: "user@x.com", ClientID: "client-42"},
		refreshDelay: 50 * time.Millisecond,
	}
	manager := NewManager(ManagerConfig{Identity: api})

	session := newTestSession(t)
	session.Set(KeyAccessToken, signedToken(t, time.Minute))
	session.Set(KeyRefreshToken, "old-refresh")

	const callers = 25
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- manager.EnsureFresh(context.Background(), session)
		}()
	}
	wg.Wait()
	close(results)

	for ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, int64(1), api.refreshCalls.Load(), "concurrent near-expiry detections must collapse into one refresh")
	assert.Equal(t, "new-refresh", session.Get(KeyRefreshToken))
}

func TestEnsureFreshSeparateSessionsRefreshIndependently(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{
		pair: identity.TokenPair{AccessToken: signedToken(t, time.Hour), RefreshToken: "new-refresh"},
		info: identity.UserInfo{Email: "user@x.com", ClientID: "client-42"},
	}
	manager := NewManager(ManagerConfig{Identity: api})

	makeSession := func() Session {
		session := newTestSession(t)
		session.Set(KeyAccessToken, signedToken(t, time.Minute))
		session.Set(KeyRefreshToken, "old-refresh")
		return session
	}

	require.True(t, manager.EnsureFresh(context.Background(), makeSession()))
	require.True(t, manager.EnsureFresh(context.Background(), makeSession()))
	assert.Equal(t, int64(2), api.refreshCalls.Load())
}

func TestResolveClientIDCachesInSession(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{info: identity.UserInfo{ClientID: "client-42"}}
	manager := NewManager(ManagerConfig{Identity: api})
	session := newTestSession(t)

	clientID, ok := manager.ResolveClientID(context.Background(), session, "access")
	require.True(t, ok)
	assert.Equal(t, "client-42", clientID)

	clientID, ok = manager.ResolveClientID(context.Background(), session, "access")
	require.True(t, ok)
	assert.Equal(t, "client-42", clientID)
	assert.Equal(t, int64(1), api.meCalls.Load(), "second resolve must come from the session cache")
}

func TestResolveClientIDSelectsConfiguredClientName(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{info: identity.UserInfo{
		ClientID: "flat-id",
		Clients: []identity.ClientInfo{
			{ClientID: "other-id", ClientName: "Other Corp"},
			{ClientID: "acme-id", ClientName: "Acme Solutions"},
		},
	}}
	manager := NewManager(ManagerConfig{Identity: api, ClientName: "Acme Solutions"})

	clientID, ok := manager.ResolveClientID(context.Background(), newTestSession(t), "access")
	require.True(t, ok)
	assert.Equal(t, "acme-id", clientID)

	_, ok = NewManager(ManagerConfig{Identity: api, ClientName: "Nonexistent"}).
		ResolveClientID(context.Background(), newTestSession(t), "access")
	assert.False(t, ok)
}

func TestResolveUserEmailCachesInSession(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{info: identity.UserInfo{Email: "user@x.com"}}
	manager := NewManager(ManagerConfig{Identity: api})
	session := newTestSession(t)

	email, ok := manager.ResolveUserEmail(context.Background(), session, "access")
	require.True(t, ok)
	assert.Equal(t, "user@x.com", email)

	_, _ = manager.ResolveUserEmail(context.Background(), session, "access")
	assert.Equal(t, int64(1), api.meCalls.Load())
}

func TestResolveUserEmailLookupFailure(t *testing.T) {
	t.Parallel()

	api := &fakeIdentity{meErr: errors.New("me endpoint down")}
	manager := NewManager(ManagerConfig{Identity: api})

	_, ok := manager.ResolveUserEmail(context.Background(), newTestSession(t), "access")
	assert.False(t, ok)
}
