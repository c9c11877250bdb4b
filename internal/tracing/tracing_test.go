package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	t.Run("disabled is a usable no-op", func(t *testing.T) {
		p, err := NewProvider(Config{})
		require.NoError(t, err)
		assert.False(t, p.Enabled())
		assert.NoError(t, p.Start(context.Background()))
		assert.NoError(t, p.Stop(context.Background()))
	})

	t.Run("enabled without endpoint fails", func(t *testing.T) {
		_, err := NewProvider(Config{Enabled: true})
		assert.Error(t, err)
	})

	t.Run("missing CA bundle fails", func(t *testing.T) {
		_, err := NewProvider(Config{
			Enabled:   true,
			Endpoint:  "localhost:4317",
			TLSCAPath: "/no/such/ca.pem",
		})
		assert.Error(t, err)
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		p, err := NewProvider(Config{
			Enabled:     true,
			Endpoint:    "localhost:4317",
			TLSInsecure: true,
		})
		require.NoError(t, err)
		assert.True(t, p.Enabled())
		assert.Equal(t, "tracing", p.Name())
	})
}
