package authn

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/krustbuild/krust/internal/logging"
)

// dockerConfig is the subset of ~/.docker/config.json krust understands.
type dockerConfig struct {
	Auths       map[string]AuthConfig `json:"auths"`
	CredsStore  string                `json:"credsStore,omitempty"`
	CredHelpers map[string]string     `json:"credHelpers,omitempty"`
}

// fileKeychain resolves credentials from a docker-style config.json,
// honouring per-registry credential helpers before falling back to the
// store-wide one, and finally the inline "auths" table (spec.md §4.5).
type fileKeychain struct {
	log  logging.Logger
	path string
	cfg  dockerConfig
}

// NewFileKeychain locates and loads the docker config file, following the
// same precedence docker itself uses: REGISTRY_AUTH_FILE, then
// DOCKER_CONFIG/config.json, then ~/.docker/config.json. A missing file is
// not an error: it resolves every registry to Anonymous.
func NewFileKeychain(log logging.Logger) (Keychain, error) {
	path := configPath()
	kc := &fileKeychain{log: log, path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kc, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &kc.cfg); err != nil {
		return nil, err
	}
	return kc, nil
}

func configPath() string {
	if p := os.Getenv("REGISTRY_AUTH_FILE"); p != "" {
		return p
	}
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return filepath.Join(dir, "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".docker", "config.json")
	}
	return filepath.Join(home, ".docker", "config.json")
}

// Resolve implements Keychain. Per registry it tries, in order: one
// credential helper (the registry-specific credHelpers entry if there is
// one, otherwise the store-wide credsStore), then an inline entry in
// "auths". When a credHelpers entry exists, credsStore is not consulted.
// The first source that names any credential wins; exhausting them without
// a match resolves to Anonymous rather than an error, since an
// unauthenticated pull or push is a normal outcome for public repositories.
func (k *fileKeychain) Resolve(registry string) (Authenticator, error) {
	target := normalizeRegistry(registry)

	if helper, ok := k.CredHelperFor(target); ok {
		auth, err := resolveHelper(helper, target)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			return auth, nil
		}
	}

	for host, cfg := range k.cfg.Auths {
		if normalizeRegistry(host) == target {
			return FromConfig(cfg), nil
		}
	}

	return &Anonymous{}, nil
}

// CredHelperFor returns the credential-helper program name for a registry,
// preferring a registry-specific entry in credHelpers over the store-wide
// credsStore.
func (k *fileKeychain) CredHelperFor(target string) (string, bool) {
	for host, helper := range k.cfg.CredHelpers {
		if normalizeRegistry(host) == target {
			return helper, true
		}
	}
	if k.cfg.CredsStore != "" {
		return k.cfg.CredsStore, true
	}
	return "", false
}
