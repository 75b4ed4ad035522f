package token

import (
	"context"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/lox/livechat-bridge/internal/identity"
)

const (
	defaultExpiryWindow = 5 * time.Minute
	refreshTimeout      = 30 * time.Second
)

// IdentityAPI is the slice of the external identity API the manager needs.
type IdentityAPI interface {
	Me(ctx context.Context, accessToken string) (identity.UserInfo, error)
	Refresh(ctx context.Context, refreshToken string) (identity.TokenPair, error)
}

type ManagerConfig struct {
	Identity IdentityAPI
	// ClientName selects which entry of the /me clients list becomes the
	// session's client ID. Empty means the flat client_id field is used.
	ClientName   string
	ExpiryWindow time.Duration
	Logger       *charmLog.Logger
}

// Manager keeps a session's access/refresh token pair usable. Refreshes are
// coalesced per session ID so concurrent near-expiry detections produce one
// upstream call, not one each; the losing refresher would otherwise clobber
// the winner's tokens with a pair the server already invalidated.
type Manager struct {
	identity     IdentityAPI
	clientName   string
	expiryWindow time.Duration
	logger       *charmLog.Logger
	refreshes    singleflight.Group
	now          func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	window := cfg.ExpiryWindow
	if window <= 0 {
		window = defaultExpiryWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.Default()
	}
	return &Manager{
		identity:     cfg.Identity,
		clientName:   cfg.ClientName,
		expiryWindow: window,
		logger:       logger,
		now:          time.Now,
	}
}

// EnsureFresh reports whether the session holds a usable access token,
// refreshing it first when it is within the expiry window. It never returns
// an error: no token, a failed refresh, and transport trouble all degrade to
// false, and the caller treats false as unauthenticated.
func (m *Manager) EnsureFresh(ctx context.Context, session Session) bool {
	accessToken := session.Get(KeyAccessToken)
	if accessToken == "" {
		m.logger.Warn("no access token in session", "session_id", session.ID())
		return false
	}

	if !m.nearExpiry(accessToken) {
		return true
	}

	ok, err, _ := m.refreshes.Do(session.ID(), func() (any, error) {
		// Another caller may have finished a refresh while this one waited
		// for the flight; re-check before going upstream.
		current := session.Get(KeyAccessToken)
		if current == "" {
			return false, nil
		}
		if !m.nearExpiry(current) {
			return true, nil
		}
		// The flight's result is shared by every coalesced waiter, so it
		// must not die with the one request that happened to initiate it.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, session), nil
	})
	if err != nil {
		m.logger.Error("refresh flight failed", "session_id", session.ID(), "error", err)
		return false
	}
	return ok.(bool)
}

// nearExpiry decodes the token's embedded expiry claim locally. Tokens whose
// remaining validity is within the window, and tokens whose claim cannot be
// read, both count as expiring.
func (m *Manager) nearExpiry(accessToken string) bool {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		m.logger.Warn("could not decode access token expiry", "error", err)
		return true
	}
	if claims.ExpiresAt == nil {
		m.logger.Warn("access token carries no expiry claim")
		return true
	}
	remaining := claims.ExpiresAt.Time.Sub(m.now().UTC())
	return remaining <= m.expiryWindow
}

func (m *Manager) refresh(ctx context.Context, session Session) bool {
	refreshToken := session.Get(KeyRefreshToken)
	if refreshToken == "" {
		m.logger.Warn("no refresh token in session", "session_id", session.ID())
		return false
	}

	pair, err := m.identity.Refresh(ctx, refreshToken)
	if err != nil {
		m.logger.Error("token refresh failed", "session_id", session.ID(), "error", err)
		return false
	}

	session.Set(KeyAccessToken, pair.AccessToken)
	session.Set(KeyRefreshToken, pair.RefreshToken)

	// Identity may depend on the new token; drop the cached client ID and
	// resolve it again. A session without a resolvable client is not
	// usable even though its tokens are, so the refresh only counts once
	// the client ID is back.
	session.Set(KeyClientID, "")
	clientID, ok := m.ResolveClientID(ctx, session, pair.AccessToken)
	if !ok {
		m.logger.Warn("refreshed tokens but client id lookup failed", "session_id", session.ID())
		return false
	}
	m.logger.Info("refreshed tokens", "session_id", session.ID(), "client_id", clientID)
	return true
}

// ResolveClientID returns the session's client ID, hitting GET /me at most
// once per session; later calls are served from the session cache.
func (m *Manager) ResolveClientID(ctx context.Context, session Session, accessToken string) (string, bool) {
	if cached := session.Get(KeyClientID); cached != "" {
		return cached, true
	}

	info, err := m.identity.Me(ctx, accessToken)
	if err != nil {
		m.logger.Error("client id lookup failed", "error", err)
		return "", false
	}

	clientID := m.selectClientID(info)
	if clientID == "" {
		m.logger.Warn("no matching client in identity response", "client_name", m.clientName)
		return "", false
	}
	session.Set(KeyClientID, clientID)
	return clientID, true
}

// ResolveUserEmail returns the session's user email with the same caching
// discipline as ResolveClientID.
func (m *Manager) ResolveUserEmail(ctx context.Context, session Session, accessToken string) (string, bool) {
	if cached := session.Get(KeyUserEmail); cached != "" {
		return cached, true
	}

	info, err := m.identity.Me(ctx, accessToken)
	if err != nil {
		m.logger.Error("user email lookup failed", "error", err)
		return "", false
	}
	if info.Email == "" {
		return "", false
	}
	session.Set(KeyUserEmail, info.Email)
	return info.Email, true
}

func (m *Manager) selectClientID(info identity.UserInfo) string {
	if m.clientName == "" {
		return info.ClientID
	}
	for _, client := range info.Clients {
		if client.ClientName == m.clientName {
			return client.ClientID
		}
	}
	return ""
}
