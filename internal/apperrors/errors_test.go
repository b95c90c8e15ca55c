package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPredicates(t *testing.T) {
	err := NewInsufficientBalance("buyer lacks funds")
	assert.True(t, IsInsufficientBalance(err))
	assert.False(t, IsNotFound(err))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewDatabaseFailure("insert order failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsAcrossWrap(t *testing.T) {
	inner := NewOnChainFailure("rpc timeout", nil)
	wrapped := errors.Join(errors.New("settlement failed"), inner)
	assert.True(t, Is(wrapped, KindOnChainFailure))
}
