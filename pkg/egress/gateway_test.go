package egress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		domain  string
		wantErr bool
	}{
		{"https", "https://API.Example.com/v1/data?x=1", "api.example.com", false},
		{"http", "http://localhost:8080/healthz", "localhost", false},
		{"empty", "", "", true},
		{"ftp", "ftp://files.example.com/a", "", true},
		{"no host", "https:///path", "", true},
		{"garbage", "::::", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domain, err := validateTarget(tt.target)
			if tt.wantErr {
				var invalid *InvalidEgressTargetError
				require.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.domain, domain)
		})
	}
}

func TestDomainAllowedEmptyAllowlist(t *testing.T) {
	g := &Gateway{cfg: Config{}}
	ok, err := g.DomainAllowed(context.Background(), "ws", "anything.example")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDomainAllowedMatchesAndSubdomains(t *testing.T) {
	g := &Gateway{cfg: Config{AllowedDomains: []string{"example.com", "trusted.io"}}}

	for domain, want := range map[string]bool{
		"example.com":       true,
		"api.example.com":   true,
		"trusted.io":        true,
		"evil.example":      false,
		"notexample.com":    false,
		"example.com.evil":  false,
	} {
		ok, err := g.DomainAllowed(context.Background(), "ws", domain)
		require.NoError(t, err)
		assert.Equal(t, want, ok, domain)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("EGRESS_ALLOWED_DOMAINS", " Example.com, api.other.io ,")
	t.Setenv("EGRESS_QUOTA_PER_HOUR", "100")
	t.Setenv("EGRESS_PACE_PER_SEC", "2.5")

	cfg := LoadConfigFromEnv()

	assert.Equal(t, []string{"example.com", "api.other.io"}, cfg.AllowedDomains)
	assert.Equal(t, 100, cfg.QuotaPerHour)
	assert.InDelta(t, 2.5, cfg.PacePerSec, 1e-9)
}
