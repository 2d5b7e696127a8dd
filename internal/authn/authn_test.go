package authn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krustbuild/krust/internal/authn"
)

func TestFromConfigPriority(t *testing.T) {
	t.Run("registry token wins", func(t *testing.T) {
		a := authn.FromConfig(authn.AuthConfig{RegistryToken: "rt", IdentityToken: "it", Username: "u"})
		cfg, err := a.Authorization()
		assert.NoError(t, err)
		assert.Equal(t, "rt", cfg.RegistryToken)
	})

	t.Run("identity token next", func(t *testing.T) {
		a := authn.FromConfig(authn.AuthConfig{IdentityToken: "it", Username: "u"})
		_, ok := a.(*authn.Bearer)
		assert.True(t, ok)
	})

	t.Run("username password", func(t *testing.T) {
		a := authn.FromConfig(authn.AuthConfig{Username: "u", Password: "p"})
		cfg, err := a.Authorization()
		assert.NoError(t, err)
		assert.Equal(t, "u", cfg.Username)
		assert.Equal(t, "p", cfg.Password)
	})

	t.Run("decodes auth field", func(t *testing.T) {
		// base64("alice:hunter2")
		a := authn.FromConfig(authn.AuthConfig{Auth: "YWxpY2U6aHVudGVyMg=="})
		cfg, err := a.Authorization()
		assert.NoError(t, err)
		assert.Equal(t, "alice", cfg.Username)
		assert.Equal(t, "hunter2", cfg.Password)
	})

	t.Run("empty config is anonymous", func(t *testing.T) {
		a := authn.FromConfig(authn.AuthConfig{})
		_, ok := a.(*authn.Anonymous)
		assert.True(t, ok)
	})
}
