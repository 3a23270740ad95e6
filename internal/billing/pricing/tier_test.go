package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestResolve_TierBoundary(t *testing.T) {
	// context_size == up_to selects that tier, not the next one.
	tp := &TieredPricing{
		Default: Schedule{
			{UpTo: ptr(200_000), InputPrice: 3, OutputPrice: 15},
			{UpTo: nil, InputPrice: 6, OutputPrice: 22.5},
		},
	}

	tier, idx, err := tp.Resolve(200_000, "")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 3.0, tier.InputPrice)

	tier, idx, err = tp.Resolve(200_001, "")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 6.0, tier.InputPrice)
}

func TestResolve_CacheTTLClassSelectsParallelTable(t *testing.T) {
	tp := &TieredPricing{
		Default: Schedule{{UpTo: nil, InputPrice: 3, OutputPrice: 15}},
		ByCache: map[string]Schedule{
			"1h": {{UpTo: nil, InputPrice: 6, OutputPrice: 15}},
		},
	}

	tier, _, err := tp.Resolve(1000, "1h")
	require.NoError(t, err)
	assert.Equal(t, 6.0, tier.InputPrice)

	tier, _, err = tp.Resolve(1000, "")
	require.NoError(t, err)
	assert.Equal(t, 3.0, tier.InputPrice)
}

func TestResolve_UnknownCacheClassFallsBackToDefault(t *testing.T) {
	tp := &TieredPricing{
		Default: Schedule{{UpTo: nil, InputPrice: 3, OutputPrice: 15}},
	}
	tier, _, err := tp.Resolve(1000, "30m")
	require.NoError(t, err)
	assert.Equal(t, 3.0, tier.InputPrice)
}

func TestContextSize(t *testing.T) {
	assert.Equal(t, int64(250_000), ContextSize(200_000, 40_000, 10_000))
}

func TestFlatPrices(t *testing.T) {
	tp := FlatPrices(1, 2, 0.5, 0.25)
	tier, idx, err := tp.Resolve(999_999_999, "")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1.0, tier.InputPrice)
	assert.Equal(t, 2.0, tier.OutputPrice)
}

func TestParseTieredPricing_Empty(t *testing.T) {
	tp, err := ParseTieredPricing("")
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestParseTieredPricing_RoundTrip(t *testing.T) {
	raw := `{"default":[{"up_to":null,"input_price":3,"output_price":15}]}`
	tp, err := ParseTieredPricing(raw)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Len(t, tp.Default, 1)
	assert.Equal(t, 3.0, tp.Default[0].InputPrice)
}
