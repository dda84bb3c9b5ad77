package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrNotFound, "looking up job 42")
	require.Error(t, err)
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "looking up job 42")
}

func TestNotImplementedIsDistinct(t *testing.T) {
	err := Wrapf(ErrNotImplemented, "parameter %q", "input_table")
	assert.True(t, Is(err, ErrNotImplemented))
	assert.False(t, Is(err, ErrNotFound))
}

func TestIsNotFoundErrorNil(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
}

func TestWithDetailKeepsChain(t *testing.T) {
	err := New("claim failed")
	err = WithDetail(err, "worker: 7")
	assert.Contains(t, err.Error(), "claim failed")
}
