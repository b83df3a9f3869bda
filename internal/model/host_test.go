package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHost(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		host, err := ParseHost("10.0.0.1:1234")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", host.IP)
		assert.Equal(t, 1234, host.Port)
		assert.Equal(t, "10.0.0.1:1234", host.Address())
	})

	t.Run("Missing Port", func(t *testing.T) {
		_, err := ParseHost("10.0.0.1")
		require.Error(t, err)
	})

	t.Run("Bad Port", func(t *testing.T) {
		_, err := ParseHost("10.0.0.1:http")
		require.Error(t, err)
	})
}

func TestHostEquality(t *testing.T) {
	a := NewHost("10.0.0.1", 1234)
	b, err := ParseHost("10.0.0.1:1234")
	require.NoError(t, err)

	assert.Equal(t, a, b)

	// Hosts are usable as set members.
	set := map[Host]struct{}{a: {}}
	_, ok := set[b]
	assert.True(t, ok)

	assert.NotEqual(t, a, NewHost("10.0.0.1", 4321))
	assert.False(t, a.IsZero())
	assert.True(t, Host{}.IsZero())
}
