package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/krustbuild/krust/internal/authn"
	"github.com/krustbuild/krust/internal/registry"
	"github.com/krustbuild/krust/internal/registry/registrytest"
	"github.com/krustbuild/krust/internal/reference"
)

type anonKeychain struct{}

func (anonKeychain) Resolve(string) (authn.Authenticator, error) { return &authn.Anonymous{}, nil }

func newTestClient(t *testing.T, srv *httptest.Server) *registry.Client {
	t.Helper()
	c, err := registry.New(
		registry.WithTransport(srv.Client().Transport),
		registry.WithKeychain(anonKeychain{}),
	)
	require.NoError(t, err)
	return c
}

func repoFor(t *testing.T, srv *httptest.Server, path string) reference.Repository {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	ref, err := reference.Parse(host + "/" + path + ":latest")
	require.NoError(t, err)
	return ref.Repository
}

func TestBlobUploadAndExists(t *testing.T) {
	fake := registrytest.New()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv)
	repo := repoFor(t, srv, "myapp")
	ctx := context.Background()

	content := []byte("hello layer")
	dgst := digest.FromBytes(content)

	exists, err := c.BlobExists(ctx, repo, dgst)
	require.NoError(t, err)
	require.False(t, exists)

	progress := make(chan registry.Update, 1)
	err = c.UploadBlob(ctx, repo, dgst, int64(len(content)), bytes.NewReader(content), progress)
	require.NoError(t, err)
	close(progress)

	var last registry.Update
	for u := range progress {
		last = u
	}
	require.Equal(t, int64(len(content)), last.Complete)

	exists, err = c.BlobExists(ctx, repo, dgst)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMountBlobWhenPresent(t *testing.T) {
	fake := registrytest.New()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	content := []byte("shared base layer")
	dgst := digest.FromBytes(content)
	fake.Seed(dgst, content)

	c := newTestClient(t, srv)
	repo := repoFor(t, srv, "app")
	ctx := context.Background()

	mounted, err := c.MountBlob(ctx, repo, dgst, "base")
	require.NoError(t, err)
	require.True(t, mounted)
}

func TestMountBlobFallsBackWhenAbsent(t *testing.T) {
	fake := registrytest.New()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv)
	repo := repoFor(t, srv, "app")
	ctx := context.Background()

	mounted, err := c.MountBlob(ctx, repo, digest.FromBytes([]byte("nope")), "base")
	require.NoError(t, err)
	require.False(t, mounted)
}

func TestManifestPushAndGetRoundTrip(t *testing.T) {
	fake := registrytest.New()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv)
	repo := repoFor(t, srv, "myapp")
	ctx := context.Background()

	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"}`)
	dgst, err := c.PutManifest(ctx, repo, "v1", "application/vnd.oci.image.manifest.v1+json", body)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(body), dgst)

	got, err := c.GetManifest(ctx, repo, "v1", []string{"application/vnd.oci.image.manifest.v1+json"})
	require.NoError(t, err)
	require.Equal(t, body, got.Bytes)
	require.Equal(t, dgst, got.Digest)

	got2, err := c.GetManifest(ctx, repo, dgst.String(), []string{"application/vnd.oci.image.manifest.v1+json"})
	require.NoError(t, err)
	require.Equal(t, body, got2.Bytes)
}

func TestUploadBlobRetriesOnServiceUnavailable(t *testing.T) {
	fake := registrytest.New()
	fake.FlakyUntil = 2
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv)
	repo := repoFor(t, srv, "myapp")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := []byte("retried content")
	dgst := digest.FromBytes(content)

	err := c.UploadBlob(ctx, repo, dgst, int64(len(content)), bytes.NewReader(content), nil)
	require.NoError(t, err)

	exists, err := c.BlobExists(ctx, repo, dgst)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUploadBlobRetriesOnRequestTimeout(t *testing.T) {
	fake := registrytest.New()
	fake.FlakyUntil = 2
	fake.FlakyStatus = http.StatusRequestTimeout
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv)
	repo := repoFor(t, srv, "myapp")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := []byte("retried after timeout")
	dgst := digest.FromBytes(content)

	err := c.UploadBlob(ctx, repo, dgst, int64(len(content)), bytes.NewReader(content), nil)
	require.NoError(t, err)

	exists, err := c.BlobExists(ctx, repo, dgst)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAuthChallengeExchangesBearerToken(t *testing.T) {
	fake := registrytest.New()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "abc123", "expires_in": 60})
	}))
	defer tokenSrv.Close()

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc123" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="test",scope="repository:myapp:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fake.ServeHTTP(w, r)
	}))
	defer registrySrv.Close()

	c := newTestClient(t, registrySrv)
	repo := repoFor(t, registrySrv, "myapp")
	ctx := context.Background()

	exists, err := c.BlobExists(ctx, repo, digest.FromBytes([]byte("x")))
	require.NoError(t, err)
	require.False(t, exists)
}
