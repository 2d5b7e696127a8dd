// Package registry implements the registry client (spec.md C6): blob
// existence checks, resumable blob uploads, cross-repo mounts, and
// manifest/index GET and PUT, all speaking the OCI distribution protocol
// directly over net/http the way the teacher's registry.Client wraps a
// lower-level transport (pkg/distribution/registry/client.go), but against
// a hand-rolled transport instead of containerd's remotes package — this
// tool pushes plain OCI images and doesn't need containerd's content-store
// or snapshot machinery.
package registry

import (
	"net/http"
	"time"

	"github.com/krustbuild/krust/internal/authn"
	"github.com/krustbuild/krust/internal/logging"
)

// DefaultUserAgent identifies this tool to registries.
const DefaultUserAgent = "krust/1.0"

// Client is a registry client bound to one keychain and transport, shared
// across every repository and platform a build touches.
type Client struct {
	transport   http.RoundTripper
	userAgent   string
	keychain    authn.Keychain
	tokenSource *authn.TokenSource
	log         logging.Logger
	plainHTTP   bool
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the base HTTP transport (tests substitute an
// httptest server's transport here).
func WithTransport(t http.RoundTripper) Option {
	return func(c *Client) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithKeychain overrides the credential source, normally a file-backed
// keychain from internal/authn.
func WithKeychain(kc authn.Keychain) Option {
	return func(c *Client) {
		if kc != nil {
			c.keychain = kc
		}
	}
}

// WithLogger attaches a logger for request-level diagnostics.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithPlainHTTP forces HTTP instead of HTTPS, for local/insecure registries
// outside the automatic localhost detection in isLocalRegistry.
func WithPlainHTTP(plain bool) Option {
	return func(c *Client) { c.plainHTTP = plain }
}

// New builds a registry Client. Without overrides it dials HTTPS with a
// 30s-idle-friendly transport, retries transient failures, and resolves
// credentials from the default docker config.json keychain.
func New(opts ...Option) (*Client, error) {
	kc, err := authn.NewFileKeychain(logging.New(0, false))
	if err != nil {
		return nil, err
	}

	c := &Client{
		transport: newBaseTransport(),
		userAgent: DefaultUserAgent,
		keychain:  kc,
		log:       logging.New(0, false),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokenSource = authn.NewTokenSource(c.keychain, &http.Client{Transport: newInsecureTransport(c.transport)})
	return c, nil
}

func newBaseTransport() http.RoundTripper {
	return &http.Transport{
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// httpClientFor builds the layered http.Client for one repository scope:
// insecure-localhost handling, wrapped by auth, wrapped by
// retry-with-backoff, so the retry layer is outermost and every retried
// attempt passes through the auth layer again.
func (c *Client) httpClientFor(registryHost, scope string) *http.Client {
	rt := newInsecureTransport(c.transport)
	rt = newAuthTransport(rt, c.keychain, c.tokenSource, registryHost, scope, c.userAgent)
	rt = newRetryTransport(rt, c.log)
	return &http.Client{Transport: rt, CheckRedirect: checkRedirect}
}

// checkRedirect follows redirects for GET/HEAD (blob and manifest reads
// frequently land on a CDN via 307) but aborts them for PATCH/PUT, per
// spec.md §4.6: a registry that redirects a chunked upload has changed the
// upload session's identity, and blindly following would silently corrupt
// or orphan it.
func checkRedirect(req *http.Request, via []*http.Request) error {
	switch via[len(via)-1].Method {
	case http.MethodPatch, http.MethodPut:
		return http.ErrUseLastResponse
	default:
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		return nil
	}
}

func (c *Client) scheme(host string) string {
	if c.plainHTTP || isLocalRegistry(host) {
		return "http"
	}
	return "https"
}
