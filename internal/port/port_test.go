package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_NonOverlapping(t *testing.T) {
	a := New(9000, 100, 10)

	r1, err := a.Allocate("worker-1")
	require.NoError(t, err)
	r2, err := a.Allocate("worker-2")
	require.NoError(t, err)

	assert.Equal(t, Range{Start: 9000, End: 9009}, r1)
	assert.Equal(t, Range{Start: 9010, End: 9019}, r2)
}

func TestAllocate_Idempotent(t *testing.T) {
	a := New(9000, 100, 10)
	r1, _ := a.Allocate("worker-1")
	r2, _ := a.Allocate("worker-1")
	assert.Equal(t, r1, r2)
}

func TestAllocate_ExhaustsCapacity(t *testing.T) {
	a := New(9000, 20, 10)
	_, err := a.Allocate("worker-1")
	require.NoError(t, err)
	_, err = a.Allocate("worker-2")
	require.NoError(t, err)
	_, err = a.Allocate("worker-3")
	assert.Error(t, err)
}
