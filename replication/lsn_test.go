package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLSNGeneratorStartsAboveSeed(t *testing.T) {
	g := NewLSNGenerator()
	first := g.Next()
	require.Equal(t, uint64(lsnStart+lsnStep), uint64(first))
}

func TestLSNGeneratorMonotonicallyIncreases(t *testing.T) {
	g := NewLSNGenerator()
	prev := g.Next()
	for i := 0; i < 10; i++ {
		next := g.Next()
		require.Greater(t, uint64(next), uint64(prev))
		prev = next
	}
}

func TestFormatLSNHexPair(t *testing.T) {
	require.Equal(t, "1/100", FormatLSN(0x0000000100000100))
}

func TestCurrentDoesNotAdvance(t *testing.T) {
	g := NewLSNGenerator()
	g.Next()
	a := g.Current()
	b := g.Current()
	require.Equal(t, a, b)
}
