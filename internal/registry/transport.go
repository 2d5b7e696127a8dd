package registry

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
)

// insecureTransport skips TLS verification and allows plaintext HTTP for
// localhost registries only, the same narrow carve-out the teacher's
// insecureTransport makes (pkg/distribution/registry/transport.go):
// traffic to a local address never leaves the machine, so relaxing
// verification there doesn't weaken the security of any real registry.
type insecureTransport struct {
	inner http.RoundTripper
}

func newInsecureTransport(inner http.RoundTripper) http.RoundTripper {
	return &insecureTransport{inner: inner}
}

func (t *insecureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isLocalRegistry(req.URL.Host) {
		return t.inner.RoundTrip(req)
	}

	base := t.inner
	httpTransport, ok := base.(*http.Transport)
	if !ok {
		return base.RoundTrip(req)
	}

	clone := httpTransport.Clone()
	if clone.TLSClientConfig == nil {
		clone.TLSClientConfig = &tls.Config{}
	}
	clone.TLSClientConfig.InsecureSkipVerify = true
	return clone.RoundTrip(req)
}

func isLocalRegistry(host string) bool {
	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
	}
	return hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "127.")
}
