package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	digest "github.com/opencontainers/go-digest"

	"github.com/krustbuild/krust/internal/ocierrors"
	"github.com/krustbuild/krust/internal/reference"
)

// Update reports incremental progress for a long-running push, mirroring
// the teacher's oci.Update (pkg/distribution/oci/progress.go) so a CLI
// progress bar can subscribe the same way.
type Update struct {
	Complete int64
	Total    int64
}

// BlobExists reports whether dgst is already present in repo, via HEAD
// (spec.md §4.6 step 1: skip uploading any layer or config the registry
// already has).
func (c *Client) BlobExists(ctx context.Context, repo reference.Repository, dgst digest.Digest) (bool, error) {
	host := repo.Registry.Host()
	u := c.blobURL(repo, dgst.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, ocierrors.Wrap(ocierrors.Network, "registry.blobExists", host, err)
	}

	resp, err := c.httpClientFor(host, repo.Scope("pull")).Do(req)
	if err != nil {
		return false, ocierrors.Wrap(ocierrors.Network, "registry.blobExists", host, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, ocierrors.New(ocierrors.Protocol, "registry.blobExists", host, unexpectedStatus(resp))
	}
}

// MountBlob attempts a cross-repository mount of an already-known blob
// (spec.md §4.6 "cross-repo blob mount"): when the base image lives in the
// same registry as the destination, the shared base layers never need to
// be re-uploaded. Returns false, nil if the registry doesn't support or
// accept the mount, in which case the caller must fall back to UploadBlob.
func (c *Client) MountBlob(ctx context.Context, repo reference.Repository, dgst digest.Digest, fromPath string) (bool, error) {
	host := repo.Registry.Host()
	u := fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/?mount=%s&from=%s",
		c.scheme(host), host, repo.Path, url.QueryEscape(dgst.String()), url.QueryEscape(fromPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, ocierrors.Wrap(ocierrors.Network, "registry.mountBlob", host, err)
	}

	resp, err := c.httpClientFor(host, repo.Scope("pull,push")).Do(req)
	if err != nil {
		return false, ocierrors.Wrap(ocierrors.Network, "registry.mountBlob", host, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		// Registry started a fresh upload session instead of mounting; the
		// caller uploads normally. Discard the opened session rather than
		// completing it, to avoid leaving half a blob behind on abandon.
		return false, nil
	default:
		// Any other status means the mount was not accepted; the caller
		// falls back to a normal upload.
		return false, nil
	}
}

// UploadBlob uploads content of the given size and digest to repo using the
// three-phase resumable protocol (spec.md §4.6 step 2): POST to open a
// session, PATCH to stream the bytes, PUT with the digest to finalize. A
// progress update is sent once the PUT has finalized the upload.
func (c *Client) UploadBlob(ctx context.Context, repo reference.Repository, dgst digest.Digest, size int64, content io.Reader, progress chan<- Update) error {
	host := repo.Registry.Host()
	client := c.httpClientFor(host, repo.Scope("pull,push"))

	sessionURL, err := c.startUpload(ctx, client, repo)
	if err != nil {
		return err
	}

	sessionURL, err = c.patchUpload(ctx, client, host, sessionURL, content, size)
	if err != nil {
		return err
	}

	if err := c.putUpload(ctx, client, host, sessionURL, dgst); err != nil {
		return err
	}

	if progress != nil {
		progress <- Update{Complete: size, Total: size}
	}
	return nil
}

func (c *Client) startUpload(ctx context.Context, client *http.Client, repo reference.Repository) (string, error) {
	host := repo.Registry.Host()
	u := fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/", c.scheme(host), host, repo.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Network, "registry.startUpload", host, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Network, "registry.startUpload", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", ocierrors.New(ocierrors.Protocol, "registry.startUpload", host, unexpectedStatus(resp))
	}
	return c.resolveLocation(u, resp)
}

func (c *Client) patchUpload(ctx context.Context, client *http.Client, host, sessionURL string, content io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sessionURL, content)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Network, "registry.patchUpload", host, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	resp, err := client.Do(req)
	if err != nil {
		return "", ocierrors.Wrap(ocierrors.Network, "registry.patchUpload", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return "", ocierrors.New(ocierrors.Protocol, "registry.patchUpload", host, unexpectedStatus(resp))
	}
	return c.resolveLocation(sessionURL, resp)
}

func (c *Client) putUpload(ctx context.Context, client *http.Client, host, sessionURL string, dgst digest.Digest) error {
	u, err := url.Parse(sessionURL)
	if err != nil {
		return ocierrors.Wrap(ocierrors.Protocol, "registry.putUpload", host, err)
	}
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), nil)
	if err != nil {
		return ocierrors.Wrap(ocierrors.Network, "registry.putUpload", host, err)
	}
	req.ContentLength = 0

	resp, err := client.Do(req)
	if err != nil {
		return ocierrors.Wrap(ocierrors.Network, "registry.putUpload", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return ocierrors.New(ocierrors.Protocol, "registry.putUpload", host, unexpectedStatus(resp))
	}

	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != dgst.String() {
		return ocierrors.New(ocierrors.DigestMismatch, "registry.putUpload", host,
			fmt.Errorf("registry reported digest %s, expected %s", got, dgst))
	}
	return nil
}

// resolveLocation turns a possibly-relative Location header into an
// absolute URL, the same way browsers and the teacher's resumable client
// resolve redirect targets against the request that produced them.
func (c *Client) resolveLocation(requestURL string, resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("response carried no Location header")
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) blobURL(repo reference.Repository, identifier string) string {
	host := repo.Registry.Host()
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme(host), host, repo.Path, identifier)
}

func unexpectedStatus(resp *http.Response) error {
	return fmt.Errorf("unexpected status %s", resp.Status)
}
