package registry

import (
	"bytes"
	"io"
	"net/http"

	"github.com/krustbuild/krust/internal/authn"
	"github.com/krustbuild/krust/internal/ocierrors"
)

// authTransport attaches credentials to every request and, on a single 401
// challenge, exchanges the WWW-Authenticate header for a bearer token and
// retries exactly once — a second 401 is terminal, per spec.md §4.6's
// "single-401-retry-then-terminal" rule; registries that keep rejecting
// fresh tokens are misconfigured, not transiently unavailable.
type authTransport struct {
	inner    http.RoundTripper
	keychain authn.Keychain
	tokens   *authn.TokenSource
	registry string
	scope    string
	ua       string
}

func newAuthTransport(inner http.RoundTripper, kc authn.Keychain, tokens *authn.TokenSource, registry, scope, ua string) http.RoundTripper {
	return &authTransport{inner: inner, keychain: kc, tokens: tokens, registry: registry, scope: scope, ua: ua}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	req1 := cloneWithBody(req, body)
	if err := t.authorize(req1, nil); err != nil {
		return nil, err
	}
	if t.ua != "" {
		req1.Header.Set("User-Agent", t.ua)
	}

	resp, err := t.inner.RoundTrip(req1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challengeHeader := resp.Header.Get("WWW-Authenticate")
	challenge, ok := authn.ParseChallenge(challengeHeader)
	if !ok {
		return resp, nil
	}
	resp.Body.Close()

	req2 := cloneWithBody(req, body)
	if err := t.authorize(req2, &challenge); err != nil {
		return nil, err
	}
	if t.ua != "" {
		req2.Header.Set("User-Agent", t.ua)
	}

	resp2, err := t.inner.RoundTrip(req2)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		resp2.Body.Close()
		return nil, ocierrors.New(ocierrors.Auth, "registry.auth", t.registry,
			errUnauthorized(req.URL.String()))
	}
	return resp2, nil
}

func (t *authTransport) authorize(req *http.Request, challenge *authn.Challenge) error {
	if challenge != nil {
		if challenge.Scope == "" {
			challenge.Scope = t.scope
		}
		token, err := t.tokens.Token(req.Context(), t.registry, *challenge)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	auth, err := t.keychain.Resolve(t.registry)
	if err != nil {
		return err
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return err
	}
	switch {
	case cfg.RegistryToken != "":
		req.Header.Set("Authorization", "Bearer "+cfg.RegistryToken)
	case cfg.Username != "":
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return nil
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func cloneWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	return clone
}

type errUnauthorizedMsg string

func (e errUnauthorizedMsg) Error() string { return "unauthorized: " + string(e) }

func errUnauthorized(url string) error { return errUnauthorizedMsg(url) }
