// Package token implements the OAuth2 Token Manager (C6): acquires,
// caches, and refreshes bearer tokens for EMR adapters across
// client-credentials, authorization-code, refresh-token, and
// SMART-on-FHIR flows, coalescing concurrent requests for the same key so
// a reconnect storm never produces a token-endpoint thundering herd
// (spec.md §4.6).
package token

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/clinisync/sync-emr-engine/pkg/breaker"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/clinisync/sync-emr-engine/pkg/shared/httpclient"
	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
)

// GrantType selects the OAuth2 flow used to acquire a token.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantSMARTOnFHIR       GrantType = "smart_on_fhir"
)

// Defaults mirror spec.md §4.6.
const (
	DefaultRefreshMargin = 300 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = 1 * time.Second
	DefaultBackoffMult   = 2.0
	DefaultBackoffCap    = 10 * time.Second
)

// Config identifies and parameterizes one token-acquisition target. The
// cache key is (Endpoint, ClientID, Scope, Audience, Resource), per
// spec.md §4.6.
type Config struct {
	Grant        GrantType
	Endpoint     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Audience     string
	Resource     string
	RefreshToken string
	AuthCode     string // GrantAuthorizationCode: the code returned to the redirect URI
	RedirectURL  string // GrantAuthorizationCode: must match the one used to obtain AuthCode
}

func (c Config) key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", c.Endpoint, c.ClientID, joinScopes(c.Scopes), c.Audience, c.Resource)
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

type entry struct {
	token *oauth2.Token
}

// Manager acquires and caches OAuth2 access tokens. The cache is
// process-wide, guarded by a map-level lock plus per-key request
// coalescing (spec.md §5 Shared resources).
type Manager struct {
	mu         sync.RWMutex
	cache      map[string]*entry
	group      singleflight.Group
	retrier    *breaker.Retrier
	refreshMargin time.Duration
	httpClient *http.Client
	log        *logrus.Entry
}

// New builds a Manager. A nil httpClient falls back to the shared default
// client; a nil logger falls back to a discard-free default logger.
func New(httpClient *http.Client, refreshMargin time.Duration, log *logrus.Logger) *Manager {
	if refreshMargin <= 0 {
		refreshMargin = DefaultRefreshMargin
	}
	if httpClient == nil {
		httpClient = httpclient.NewDefaultClient()
	}
	if log == nil {
		log = logrus.New()
	}

	return &Manager{
		cache:   make(map[string]*entry),
		retrier: breaker.NewRetrier(breaker.RetryConfig{
			MaxAttempts:       DefaultMaxAttempts,
			InitialDelay:      DefaultBackoffBase,
			MaxDelay:          DefaultBackoffCap,
			BackoffMultiplier: DefaultBackoffMult,
			Jitter:            false,
		}, log),
		refreshMargin: refreshMargin,
		httpClient:    httpClient,
		log:           log.WithFields(logging.NewFields().Component("token").ToLogrus()),
	}
}

// GetToken returns a non-expired access token for cfg, serving from cache
// when the cached token still has more than the refresh margin left before
// expiry. Concurrent callers for the same key share one in-flight
// acquisition (spec.md §4.6 request coalescing, S3).
func (m *Manager) GetToken(ctx context.Context, cfg Config, forceRefresh bool) (*oauth2.Token, error) {
	key := cfg.key()

	if !forceRefresh {
		if tok, ok := m.cached(key); ok {
			return tok, nil
		}
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		if !forceRefresh {
			if tok, ok := m.cached(key); ok {
				return tok, nil
			}
		}
		tok, err := m.fetchToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
		m.store(key, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Refresh performs an explicit refresh-token exchange, bypassing the cache
// check (but still coalesced per key).
func (m *Manager) Refresh(ctx context.Context, cfg Config, refreshToken string) (*oauth2.Token, error) {
	cfg.Grant = GrantRefreshToken
	cfg.RefreshToken = refreshToken
	key := cfg.key()

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		tok, err := m.fetchToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
		m.store(key, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Clear evicts the cached token for cfg.
func (m *Manager) Clear(cfg Config) {
	m.mu.Lock()
	delete(m.cache, cfg.key())
	m.mu.Unlock()
}

// ClearAll evicts every cached token.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.cache = make(map[string]*entry)
	m.mu.Unlock()
}

func (m *Manager) cached(key string) (*oauth2.Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	if e.token.Expiry.IsZero() {
		return e.token, true
	}
	if time.Now().Add(m.refreshMargin).Before(e.token.Expiry) {
		return e.token, true
	}
	return nil, false
}

func (m *Manager) store(key string, tok *oauth2.Token) {
	m.mu.Lock()
	m.cache[key] = &entry{token: tok}
	m.mu.Unlock()
}

// fetchToken requests a fresh token with retry (3 attempts, base 1s,
// multiplier 2), classifying the final failure as token_request_failed
// unless the underlying cause is already a more specific taxonomy kind
// (invalid_response, retries_exhausted).
func (m *Manager) fetchToken(ctx context.Context, cfg Config) (*oauth2.Token, error) {
	var tok *oauth2.Token

	err := m.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		t, err := m.requestToken(ctx, cfg)
		if err != nil {
			// golang.org/x/oauth2 itself rejects a response without an
			// access_token before requestToken can inspect the token.
			if strings.Contains(err.Error(), "missing access_token") {
				return apperrors.Wrap(err, apperrors.KindInvalidResponse, "token_manager", "request_token").
					WithResource(cfg.Endpoint).WithDetails("response carried no access_token")
			}
			return err
		}
		tok = t
		return nil
	})
	if err != nil {
		if apperrors.HasKind(err, apperrors.KindInvalidResponse) || apperrors.HasKind(err, apperrors.KindRetriesExhausted) {
			return nil, err
		}
		return nil, apperrors.Wrap(err, apperrors.KindTokenRequestFailed, "token_manager", "fetch_token").
			WithResource(cfg.Endpoint)
	}
	return tok, nil
}

func (m *Manager) requestToken(ctx context.Context, cfg Config) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	switch cfg.Grant {
	case GrantClientCredentials, GrantSMARTOnFHIR, "":
		ccCfg := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.Endpoint,
			Scopes:       cfg.Scopes,
		}
		if cfg.Audience != "" || cfg.Resource != "" {
			params := url.Values{}
			if cfg.Audience != "" {
				params.Set("audience", cfg.Audience)
			}
			if cfg.Resource != "" {
				params.Set("resource", cfg.Resource)
			}
			ccCfg.EndpointParams = params
		}

		tok, err := ccCfg.Token(ctx)
		if err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, apperrors.New(apperrors.KindInvalidResponse, "token_manager", "request_token").
				WithResource(cfg.Endpoint).WithDetails("response carried no access_token")
		}
		return tok, nil

	case GrantRefreshToken:
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Endpoint},
		}
		src := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, apperrors.New(apperrors.KindInvalidResponse, "token_manager", "request_token").
				WithResource(cfg.Endpoint).WithDetails("response carried no access_token")
		}
		return tok, nil

	case GrantAuthorizationCode:
		if cfg.AuthCode == "" {
			return nil, apperrors.New(apperrors.KindInvalidState, "token_manager", "request_token").
				WithDetails("authorization_code grant requires AuthCode")
		}
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Endpoint},
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		}
		var opts []oauth2.AuthCodeOption
		if cfg.Audience != "" {
			opts = append(opts, oauth2.SetAuthURLParam("audience", cfg.Audience))
		}
		if cfg.Resource != "" {
			opts = append(opts, oauth2.SetAuthURLParam("resource", cfg.Resource))
		}
		tok, err := oauthCfg.Exchange(ctx, cfg.AuthCode, opts...)
		if err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, apperrors.New(apperrors.KindInvalidResponse, "token_manager", "request_token").
				WithResource(cfg.Endpoint).WithDetails("response carried no access_token")
		}
		return tok, nil

	default:
		return nil, apperrors.New(apperrors.KindInvalidState, "token_manager", "request_token").
			WithDetailsf("unsupported grant %s", cfg.Grant)
	}
}
