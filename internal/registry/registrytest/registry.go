// Package registrytest provides an in-memory OCI distribution registry for
// exercising internal/registry's client against real HTTP semantics,
// adapted from the teacher's test double
// (pkg/distribution/registry/testregistry/registry.go) with resumable
// three-phase blob upload and cross-repo mount support added, since
// krust's client exercises both.
package registrytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

type ociError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ociErrorResponse struct {
	Errors []ociError `json:"errors"`
}

// Registry is an in-memory OCI distribution registry.
type Registry struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	manifests map[string]map[string][]byte
	uploads   map[string]*upload

	// RequireAuth, when true, makes every request without a matching
	// Authorization header fail with 401 plus a Bearer challenge pointing
	// at TokenEndpoint.
	RequireAuth   bool
	TokenEndpoint string
	BearerToken   string

	// FlakyUntil, when > 0, makes the first N requests to any blob PATCH
	// fail with FlakyStatus (503 if unset) and a Retry-After header, to
	// exercise retry logic.
	FlakyUntil  int
	FlakyStatus int
	flakyCount  int
}

type upload struct {
	repo    string
	content []byte
}

// New creates an in-memory registry handler.
func New() *Registry {
	return &Registry{
		blobs:     make(map[string][]byte),
		manifests: make(map[string]map[string][]byte),
		uploads:   make(map[string]*upload),
	}
}

// Seed pre-populates a blob, e.g. to simulate a base image layer the
// client should find already present.
func (r *Registry) Seed(dgst digest.Digest, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[dgst.String()] = content
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.RequireAuth && req.Header.Get("Authorization") != "Bearer "+r.BearerToken {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="test"`, r.TokenEndpoint))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	if path == "" || path == "/" {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case strings.Contains(path, "/blobs/uploads/"):
		r.handleBlobUpload(w, req, path)
	case strings.Contains(path, "/blobs/"):
		r.handleBlob(w, req, path)
	case strings.Contains(path, "/manifests/"):
		r.handleManifest(w, req, path)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (r *Registry) handleBlobUpload(w http.ResponseWriter, req *http.Request, path string) {
	parts := strings.SplitN(path, "/blobs/uploads/", 2)
	repo := parts[0]
	rest := parts[1]

	switch req.Method {
	case http.MethodPost:
		if mount := req.URL.Query().Get("mount"); mount != "" {
			r.mu.RLock()
			_, exists := r.blobs[mount]
			r.mu.RUnlock()
			if exists {
				w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, mount))
				w.Header().Set("Docker-Content-Digest", mount)
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		id := fmt.Sprintf("upload-%d", len(r.uploads)+1)
		r.mu.Lock()
		r.uploads[id] = &upload{repo: repo}
		r.mu.Unlock()
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPatch:
		id := rest
		if r.FlakyUntil > 0 && r.flakyCount < r.FlakyUntil {
			r.flakyCount++
			status := r.FlakyStatus
			if status == 0 {
				status = http.StatusServiceUnavailable
			}
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(status)
			return
		}
		content, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		r.mu.Lock()
		u, ok := r.uploads[id]
		if ok {
			u.content = append(u.content, content...)
		}
		r.mu.Unlock()
		if !ok {
			http.Error(w, "unknown upload", http.StatusNotFound)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPut:
		id := rest
		dgst := req.URL.Query().Get("digest")
		r.mu.Lock()
		u, ok := r.uploads[id]
		if ok {
			r.blobs[dgst] = u.content
			delete(r.uploads, id)
		}
		r.mu.Unlock()
		if !ok {
			http.Error(w, "unknown upload", http.StatusNotFound)
			return
		}
		w.Header().Set("Docker-Content-Digest", dgst)
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Registry) handleBlob(w http.ResponseWriter, req *http.Request, path string) {
	parts := strings.SplitN(path, "/blobs/", 2)
	dgst := parts[1]

	r.mu.RLock()
	content, ok := r.blobs[dgst]
	r.mu.RUnlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch req.Method {
	case http.MethodHead:
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.Header().Set("Docker-Content-Digest", dgst)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.Header().Set("Docker-Content-Digest", dgst)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Registry) handleManifest(w http.ResponseWriter, req *http.Request, path string) {
	parts := strings.SplitN(path, "/manifests/", 2)
	repo, ref := parts[0], parts[1]

	switch req.Method {
	case http.MethodGet:
		r.mu.RLock()
		repoManifests, ok := r.manifests[repo]
		var manifest []byte
		if ok {
			manifest, ok = repoManifests[ref]
		}
		r.mu.RUnlock()

		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ociErrorResponse{Errors: []ociError{{Code: "MANIFEST_UNKNOWN"}}})
			return
		}

		dgst := digest.FromBytes(manifest)
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(manifest)

	case http.MethodPut:
		content, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		dgst := digest.FromBytes(content)

		r.mu.Lock()
		if r.manifests[repo] == nil {
			r.manifests[repo] = make(map[string][]byte)
		}
		r.manifests[repo][ref] = content
		r.manifests[repo][dgst.String()] = content
		r.mu.Unlock()

		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
