package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	a, ok := c.BySymbol("aaplx")
	require.True(t, ok)
	assert.Equal(t, "AAPLx", a.Symbol)
	assert.Equal(t, 8, a.Decimals)

	byMint, ok := c.ByMint(a.Mint)
	require.True(t, ok)
	assert.Equal(t, a, byMint)

	_, ok = c.BySymbol("DOGEx")
	assert.False(t, ok)

	assets := c.Assets()
	assert.Len(t, assets, 10)
	assert.Equal(t, "AAPLx", assets[0].Symbol)
}

func TestNew_RejectsDuplicates(t *testing.T) {
	_, err := New([]Asset{
		{Symbol: "AAPLx", Mint: "mint-a", Decimals: 8},
		{Symbol: "aaplx", Mint: "mint-b", Decimals: 8},
	})
	assert.ErrorContains(t, err, "duplicate asset symbol")

	_, err = New([]Asset{
		{Symbol: "AAPLx", Mint: "mint-a", Decimals: 8},
		{Symbol: "TSLAx", Mint: "mint-a", Decimals: 8},
	})
	assert.ErrorContains(t, err, "duplicate asset mint")

	_, err = New([]Asset{{Symbol: "AAPLx"}})
	assert.Error(t, err)
}
