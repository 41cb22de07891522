package vtxo

import (
	"testing"

	"github.com/arkrelay/gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(amounts ...int64) []*store.VTXO {
	out := make([]*store.VTXO, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, &store.VTXO{
			VTXOID:     string(rune('a' + i)),
			AmountSats: a,
			Status:     store.VTXOAvailable,
		})
	}
	return out
}

func sum(vs []*store.VTXO) int64 {
	var total int64
	for _, v := range vs {
		total += v.AmountSats
	}
	return total
}

func TestSelectSmallestFit_SingleCoverage(t *testing.T) {
	// Candidates arrive ascending; the smallest single VTXO that covers
	// the amount wins over accumulating dust.
	picked := selectSmallestFit(candidates(100, 500, 1000, 5000), 800)
	require.Len(t, picked, 1)
	assert.Equal(t, int64(1000), picked[0].AmountSats)
}

func TestSelectSmallestFit_ExactMatch(t *testing.T) {
	picked := selectSmallestFit(candidates(100, 500, 1000), 500)
	require.Len(t, picked, 1)
	assert.Equal(t, int64(500), picked[0].AmountSats)
}

func TestSelectSmallestFit_Accumulates(t *testing.T) {
	// No single VTXO covers 1400; accumulate from the smallest up.
	picked := selectSmallestFit(candidates(100, 500, 1000), 1400)
	require.Len(t, picked, 3)
	assert.GreaterOrEqual(t, sum(picked), int64(1400))
}

func TestSelectSmallestFit_Insufficient(t *testing.T) {
	assert.Nil(t, selectSmallestFit(candidates(100, 200), 1000))
	assert.Nil(t, selectSmallestFit(nil, 1000))
}

func TestSelectSmallestFit_NonPositiveAmount(t *testing.T) {
	assert.Nil(t, selectSmallestFit(candidates(100), 0))
	assert.Nil(t, selectSmallestFit(candidates(100), -5))
}
