package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for token handling.
var (
	tokenRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_token_requests_total",
		Help: "Token issuance requests by result",
	}, []string{"result"})

	tokenCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_token_cache_hits_total",
		Help: "Token lookups served from the token store",
	})
)

// TokenPath is the token endpoint relative to the API base URL.
const TokenPath = "/auth/v1/token"

const (
	// DefaultExpirySkew treats tokens as expired this long before ExpiresAt.
	DefaultExpirySkew = 30 * time.Second

	// fallbackLifetime applies when the token response carries no expiry.
	fallbackLifetime = time.Hour

	maxErrorBody = 4096
)

// Config holds token manager settings.
type Config struct {
	BaseURL    string
	Credential Credential

	HTTPClient *http.Client
	Store      Store
	Clock      clock.Clock
	ExpirySkew time.Duration
	Logger     zerolog.Logger
}

// Manager issues and caches bearer tokens for one credential pair.
type Manager struct {
	baseURL    string
	credential Credential
	httpClient *http.Client
	store      Store
	clock      clock.Clock
	skew       time.Duration
	logger     zerolog.Logger

	// mu serializes compare-and-evict against the store.
	mu    sync.Mutex
	group singleflight.Group
}

// NewManager creates a token manager. Missing collaborators get defaults: an
// in-memory store, the real clock and a 30 s HTTP timeout.
func NewManager(cfg Config) (*Manager, error) {
	if !cfg.Credential.Valid() {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	m := &Manager{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		credential: cfg.Credential,
		httpClient: cfg.HTTPClient,
		store:      cfg.Store,
		clock:      cfg.Clock,
		skew:       cfg.ExpirySkew,
		logger:     cfg.Logger,
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.skew < 0 {
		m.skew = 0
	}
	return m, nil
}

// Get returns a valid token, issuing a new one when none is cached, the cached
// one has expired, or forceRefresh is set. forceRefresh evicts the cached
// token first.
func (m *Manager) Get(ctx context.Context, forceRefresh bool) (Token, error) {
	key := m.credential.Key()

	if forceRefresh {
		m.mu.Lock()
		err := m.store.Delete(ctx, key)
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to evict cached token")
		}
	} else if tok, ok := m.cached(ctx, key); ok {
		tokenCacheHitsTotal.Inc()
		return tok, nil
	}

	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		// A flight that finished just before this one may already have stored
		// a fresh token.
		if tok, ok := m.cached(ctx, key); ok {
			return tok, nil
		}
		return m.issue(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return Token{}, err
	}
	if shared {
		m.logger.Debug().Msg("Joined in-flight token request")
	}
	return v.(Token), nil
}

// Invalidate evicts the cached token only if it still equals stale, so that
// callers who saw the same rejected token trigger a single refresh.
func (m *Manager) Invalidate(ctx context.Context, stale string) error {
	key := m.credential.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read cached token: %w", err)
	}
	if !ok || tok.Value != stale {
		return nil
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("evict cached token: %w", err)
	}
	m.logger.Debug().Msg("Invalidated rejected token")
	return nil
}

func (m *Manager) cached(ctx context.Context, key string) (Token, bool) {
	tok, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Token store read failed")
		return Token{}, false
	}
	if !ok || !tok.ValidAt(m.clock.Now(), m.skew) {
		return Token{}, false
	}
	return tok, true
}

// tokenResponse is the token endpoint's JSON body. expire is epoch millis.
type tokenResponse struct {
	DMAToken string      `json:"dmaToken"`
	Expire   json.Number `json:"expire"`
}

// issue performs the api_key exchange and caches the result.
func (m *Manager) issue(ctx context.Context, key string) (Token, error) {
	form := url.Values{
		"grant_type":    {"api_key"},
		"client_id":     {m.credential.ClientID},
		"client_secret": {m.credential.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+TokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &AuthError{Message: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		tokenRequestsTotal.WithLabelValues("failed").Inc()
		m.logger.Error().Err(err).Msg("Token request failed")
		return Token{}, &AuthError{Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		tokenRequestsTotal.WithLabelValues("failed").Inc()
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Message: "read token response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tokenRequestsTotal.WithLabelValues("failed").Inc()
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg == "" {
			msg = resp.Status
		}
		m.logger.Error().Int("status", resp.StatusCode).Msg("Token request rejected")
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Message: msg}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		tokenRequestsTotal.WithLabelValues("failed").Inc()
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Message: "decode token response", Err: err}
	}
	if tr.DMAToken == "" {
		tokenRequestsTotal.WithLabelValues("failed").Inc()
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Message: "token response missing dmaToken"}
	}

	now := m.clock.Now()
	tok := Token{Value: tr.DMAToken, ExpiresAt: now.Add(fallbackLifetime)}
	if tr.Expire != "" {
		ms, err := strconv.ParseInt(tr.Expire.String(), 10, 64)
		if err != nil {
			return Token{}, &AuthError{StatusCode: resp.StatusCode, Message: "invalid expire", Err: err}
		}
		tok.ExpiresAt = time.UnixMilli(ms)
	}

	if err := m.store.Set(ctx, key, tok, tok.ExpiresAt.Sub(now)); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cache token")
	}

	tokenRequestsTotal.WithLabelValues("issued").Inc()
	m.logger.Info().Time("expires_at", tok.ExpiresAt).Msg("Token issued")
	return tok, nil
}
