package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFIFOEvictsOldest(t *testing.T) {
	q := newFIFO[int](3)
	for i := range 3 {
		assert.False(t, q.push(i))
	}
	assert.True(t, q.push(3))
	assert.Equal(t, 3, q.len())
	assert.Equal(t, []int{1, 2, 3}, q.take(10))
	assert.Zero(t, q.len())
	assert.Nil(t, q.take(1))
}

func TestFIFOTakePartialWraps(t *testing.T) {
	q := newFIFO[int](4)
	for i := range 6 {
		q.push(i)
	}
	assert.Equal(t, []int{2, 3}, q.take(2))
	q.push(6)
	q.push(7)
	assert.Equal(t, []int{4, 5, 6, 7}, q.take(4))
}

func TestFIFOResize(t *testing.T) {
	q := newFIFO[int](5)
	for i := range 5 {
		q.push(i)
	}
	assert.Equal(t, 3, q.resize(2))
	assert.Equal(t, 2, q.cap())
	assert.Equal(t, []int{3, 4}, q.take(5))

	assert.Zero(t, q.resize(8))
	q.push(1)
	assert.Equal(t, 1, q.len())
}
