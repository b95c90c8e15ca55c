package onchainunits

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	amount := decimal.NewFromFloat(1.5)
	units := ToOnChain(amount)
	assert.Equal(t, int64(1_500_000_000), units)
	assert.True(t, FromOnChain(units).Equal(amount))
}
