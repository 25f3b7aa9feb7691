package enzyme

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/harborgrid-justin/enzyme-sub015/internal/singleflight"
)

// TokenProvider stores the access and refresh tokens. Its implementation is
// opaque to the pipeline.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	SetAccessToken(ctx context.Context, token string) error
	SetRefreshToken(ctx context.Context, token string) error
	ClearTokens(ctx context.Context) error
}

// TokenPair is the result of a refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshFunc exchanges a refresh token for new tokens.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenPair, error)

// OAuth2Refresher returns a RefreshFunc that uses cfg's token endpoint with
// the refresh_token grant.
func OAuth2Refresher(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*TokenPair, error) {
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return nil, fmt.Errorf("oauth2 refresh: %w", err)
		}
		return &TokenPair{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		}, nil
	}
}

const refreshFlightKey = "refresh"

// TokenManager hands out access tokens and coordinates refreshes so that any
// number of concurrent callers trigger at most one refresh call at a time.
type TokenManager struct {
	provider TokenProvider
	refresh  RefreshFunc
	flight   *singleflight.Group

	leeway  time.Duration
	now     func() time.Time
	logger  Logger
	metrics *MetricsCollector
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithRefreshLeeway refreshes a JWT access token this long before its exp
// claim. Zero disables proactive refresh.
func WithRefreshLeeway(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		m.leeway = d
	}
}

// WithTokenLogger sets the manager's logger.
func WithTokenLogger(l Logger) TokenManagerOption {
	return func(m *TokenManager) {
		m.logger = l
	}
}

// WithTokenMetrics sets the manager's metrics collector.
func WithTokenMetrics(mc *MetricsCollector) TokenManagerOption {
	return func(m *TokenManager) {
		m.metrics = mc
	}
}

// NewTokenManager creates a manager over provider. refresh may be nil, in
// which case Refresh fails with ErrNoTokenRefresher.
func NewTokenManager(provider TokenProvider, refresh RefreshFunc, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		provider: provider,
		refresh:  refresh,
		flight:   singleflight.New(),
		leeway:   30 * time.Second,
		now:      time.Now,
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetAccessToken returns the current access token. A JWT that expires
// within the refresh leeway is refreshed first.
func (m *TokenManager) GetAccessToken(ctx context.Context) (string, error) {
	tok, err := m.provider.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("read access token: %w", err)
	}
	if tok != "" && m.refresh != nil && m.expiresSoon(tok) {
		m.logger.Debug("Access token near expiry, refreshing")
		return m.Refresh(ctx)
	}
	return tok, nil
}

func (m *TokenManager) expiresSoon(tok string) bool {
	if m.leeway <= 0 {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(m.now().Add(m.leeway))
}

// Refresh obtains a new access token. Concurrent callers share one
// in-flight refresh and all receive its token or its error. Once it settles
// the next call starts a fresh refresh.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	v, err, joined := m.flight.Do(ctx, refreshFlightKey, m.doRefresh)
	if joined {
		m.logger.Debug("Joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) doRefresh(ctx context.Context) (any, error) {
	if m.refresh == nil {
		return nil, ErrNoTokenRefresher
	}
	rt, err := m.provider.RefreshToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("read refresh token: %w", err)
	}
	if rt == "" {
		return nil, ErrNoRefreshToken
	}

	m.logger.Info("Refreshing access token")
	pair, err := m.refresh(ctx, rt)
	if err != nil {
		m.metrics.RecordTokenRefresh("failure")
		m.logger.Warn("Token refresh failed", "error", err)
		return nil, err
	}
	m.metrics.RecordTokenRefresh("success")

	if err := m.provider.SetAccessToken(ctx, pair.AccessToken); err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if err := m.provider.SetRefreshToken(ctx, pair.RefreshToken); err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
	}
	return pair.AccessToken, nil
}

// ClearTokens drops both tokens from the provider.
func (m *TokenManager) ClearTokens(ctx context.Context) error {
	return m.provider.ClearTokens(ctx)
}

// IsRefreshing reports whether a refresh is in flight.
func (m *TokenManager) IsRefreshing() bool {
	return m.flight.InFlight(refreshFlightKey)
}

// MemoryTokenStore is a TokenProvider held in process memory.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryTokenStore creates a store seeded with the given tokens.
func NewMemoryTokenStore(access, refresh string) *MemoryTokenStore {
	return &MemoryTokenStore{access: access, refresh: refresh}
}

func (s *MemoryTokenStore) AccessToken(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, nil
}

func (s *MemoryTokenStore) RefreshToken(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh, nil
}

func (s *MemoryTokenStore) SetAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	s.access = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) SetRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	s.refresh = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) ClearTokens(context.Context) error {
	s.mu.Lock()
	s.access, s.refresh = "", ""
	s.mu.Unlock()
	return nil
}

// RefreshIfStale refreshes unless the stored access token already differs
// from used, the token a rejected request was sent with. Requests that fail
// with 401 just after another caller's refresh settled reuse its token
// instead of refreshing again.
func (m *TokenManager) RefreshIfStale(ctx context.Context, used string) (string, error) {
	if cur, err := m.provider.AccessToken(ctx); err == nil && cur != "" && cur != used {
		return cur, nil
	}
	return m.Refresh(ctx)
}
