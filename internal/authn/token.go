package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/krustbuild/krust/internal/ocierrors"
)

// Challenge is a parsed "WWW-Authenticate: Bearer ..." header, per the
// distribution spec's token-auth extension.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses a WWW-Authenticate header value. Only the Bearer
// scheme is understood; Basic challenges are reported as !ok so the caller
// falls back to sending credentials directly instead of token-exchanging.
func ParseChallenge(header string) (Challenge, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Challenge{}, false
	}
	fields := splitChallengeFields(strings.TrimPrefix(header, prefix))

	var c Challenge
	c.Realm = fields["realm"]
	c.Service = fields["service"]
	c.Scope = fields["scope"]
	return c, c.Realm != ""
}

// splitChallengeFields splits a comma-separated list of key="value" pairs,
// respecting quoted commas (scope values carry comma-separated action
// lists such as "pull,push", and realm URLs occasionally carry commas in
// query strings).
func splitChallengeFields(s string) map[string]string {
	out := map[string]string{}
	var key, val strings.Builder
	inValue, inQuotes := false, false
	flush := func() {
		if key.Len() > 0 {
			out[strings.TrimSpace(key.String())] = val.String()
		}
		key.Reset()
		val.Reset()
		inValue = false
	}
	for _, r := range s {
		switch {
		case r == '=' && !inValue && !inQuotes:
			inValue = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			flush()
		default:
			if inValue {
				val.WriteRune(r)
			} else {
				key.WriteRune(r)
			}
		}
	}
	flush()
	return out
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenSource exchanges a Bearer challenge for a token and caches the
// result per (registry, scope), coalescing concurrent exchanges for the
// same scope onto a single outstanding request via singleflight — the
// "auth cache: concurrent requests for the same scope coalesce onto one
// outstanding token exchange" property from spec.md §8.
type TokenSource struct {
	client   *http.Client
	keychain Keychain

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewTokenSource builds a TokenSource backed by keychain for basic-auth
// credentials presented during the exchange itself.
func NewTokenSource(keychain Keychain, client *http.Client) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{
		client:   client,
		keychain: keychain,
		cache:    make(map[string]cachedToken),
	}
}

// Token returns a bearer token satisfying challenge against registry,
// reusing a cached, unexpired token when one exists.
func (ts *TokenSource) Token(ctx context.Context, registry string, challenge Challenge) (string, error) {
	key := registry + "|" + challenge.Scope

	if tok, ok := ts.lookup(key); ok {
		return tok, nil
	}

	v, err, _ := ts.group.Do(key, func() (interface{}, error) {
		if tok, ok := ts.lookup(key); ok {
			return tok, nil
		}
		return ts.exchange(ctx, registry, challenge)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenSource) lookup(key string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	c, ok := ts.cache[key]
	if !ok || time.Now().After(c.expiry) {
		return "", false
	}
	return c.token, true
}

func (ts *TokenSource) store(key, token string, ttl time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.cache[key] = cachedToken{token: token, expiry: time.Now().Add(ttl)}
}

// tokenResponse covers both the "token" and legacy "access_token" field
// names registries use, and the optional expiry fields.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (ts *TokenSource) exchange(ctx context.Context, registry string, challenge Challenge) (string, error) {
	u, err := url.Parse(challenge.Realm)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Auth, "authn.exchange", registry, fmt.Errorf("parsing token realm: %w", err))
	}
	q := u.Query()
	if challenge.Service != "" {
		q.Set("service", challenge.Service)
	}
	if challenge.Scope != "" {
		q.Set("scope", challenge.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Auth, "authn.exchange", registry, err)
	}

	if auth, err := ts.keychain.Resolve(registry); err == nil && auth != nil {
		if cfg, err := auth.Authorization(); err == nil && cfg != nil && cfg.Username != "" {
			req.SetBasicAuth(cfg.Username, cfg.Password)
		}
	}

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Network, "authn.exchange", registry, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ocierrors.New(ocierrors.Auth, "authn.exchange", registry,
			fmt.Errorf("token endpoint returned %s", resp.Status))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", ocierrors.Wrap(ocierrors.Protocol, "authn.exchange", registry, err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", ocierrors.New(ocierrors.Auth, "authn.exchange", registry, fmt.Errorf("token endpoint returned no token"))
	}

	ttl := 60 * time.Second
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	ts.store(registry+"|"+challenge.Scope, token, ttl)

	return token, nil
}
