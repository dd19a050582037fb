package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkPrefix(t *testing.T) {
	assert.Equal(t, "10.0.0.0/24", NetworkPrefix("10.0.0.57"))
	assert.Equal(t, "2001:db8:1:2::/64", NetworkPrefix("2001:db8:1:2:aaaa::1"))
	assert.Equal(t, "not-an-ip", NetworkPrefix("not-an-ip"))
}

func TestSamePrefix(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"192.168.1.10", "192.168.1.200", true},
		{"192.168.1.10", "192.168.2.10", false},
		{"2001:db8::1", "2001:db8::ffff", true},
		{"garbage", "192.168.1.10", false},
		{"same", "same", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SamePrefix(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestIPSet(t *testing.T) {
	s, err := NewIPSet("127.0.0.1", "10.1.0.0/16")
	require.NoError(t, err)

	assert.True(t, s.Contains("127.0.0.1"))
	assert.True(t, s.Contains("10.1.200.3"))
	assert.False(t, s.Contains("10.2.0.1"))
	assert.False(t, s.Contains("bogus"))

	require.NoError(t, s.Add("localhost"))
	assert.True(t, s.Contains("::1"))

	s.Remove("10.1.0.0/16")
	assert.False(t, s.Contains("10.1.200.3"))
	assert.Equal(t, []string{"127.0.0.1", "::1"}, s.List())

	assert.Error(t, s.Add("999.1.1.1"))
	_, err = NewIPSet("nope")
	assert.Error(t, err)
}

func TestIPSet_Replace(t *testing.T) {
	s, err := NewIPSet("1.1.1.1")
	require.NoError(t, err)

	require.Error(t, s.Replace([]string{"bad"}))
	assert.True(t, s.Contains("1.1.1.1"), "failed replace must keep the old contents")

	require.NoError(t, s.Replace([]string{"2.2.2.2"}))
	assert.False(t, s.Contains("1.1.1.1"))
	assert.Equal(t, 1, s.Len())
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.False(t, Severity("extreme").Valid())
}
