package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P8: allowlist predicate matches spec.md §4.8 exactly.
func TestAllowlistEmptyAllowsEverything(t *testing.T) {
	a, err := NewAllowlist(nil, nil)
	require.NoError(t, err)
	assert.True(t, a.Allow("10.0.0.5", 9999))
}

func TestAllowlistNetworkRestriction(t *testing.T) {
	a, err := NewAllowlist([]string{"10.0.0.0/8"}, nil)
	require.NoError(t, err)
	assert.True(t, a.Allow("10.1.2.3", 80))
	assert.False(t, a.Allow("192.168.1.1", 80))
}

func TestAllowlistPortRestriction(t *testing.T) {
	a, err := NewAllowlist(nil, []int{80, 443})
	require.NoError(t, err)
	assert.True(t, a.Allow("127.0.0.1", 80))
	assert.False(t, a.Allow("127.0.0.1", 22))
}

func TestAllowlistBothRestrictions(t *testing.T) {
	a, err := NewAllowlist([]string{"10.0.0.0/8"}, []int{80})
	require.NoError(t, err)
	assert.True(t, a.Allow("10.0.0.1", 80))
	assert.False(t, a.Allow("10.0.0.1", 443))
	assert.False(t, a.Allow("8.8.8.8", 80))
}

func TestAllowlistRejectsInvalidCIDR(t *testing.T) {
	_, err := NewAllowlist([]string{"not-a-cidr"}, nil)
	assert.Error(t, err)
}
