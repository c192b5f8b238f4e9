package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGRI_AUTH_JWTSECRET", "s3cret")
	t.Setenv("AGRI_SERVER_ALLOWEDORIGINS", "https://a.example, https://b.example")
	t.Setenv("AGRI_CART_BACKEND", "redis")
	t.Setenv("AGRI_PAYMENTS_CRYPTO_CONFIRMATIONS", "6")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "redis", cfg.Cart.Backend)
	assert.EqualValues(t, 6, cfg.Payments.Crypto.Confirmations)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 72, cfg.Escrow.ReleaseAfterHours)
	assert.Equal(t, "agri_session", cfg.Auth.CookieName)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "s3cret", cfg.ChatSecret())
}

func TestValidate(t *testing.T) {
	var cfg Config
	cfg.Auth.TokenTTLMinutes = 10
	cfg.Cart.Backend = "memcached"
	cfg.Ledger.Backend = "neo"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwtsecret is required")
	assert.Contains(t, err.Error(), `unknown cart backend "memcached"`)
	assert.Contains(t, err.Error(), "ledger neo backend needs")
}
