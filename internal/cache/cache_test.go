package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache[[]float32]()

	_, ok := c.Get("src")
	assert.False(t, ok)

	c.Put("src", []float32{1, 2})
	c.Put("dst", []float32{3})
	assert.Equal(t, 2, c.Size())

	v, ok := c.Get("src")
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	c.Put("src", []float32{9})
	v, _ = c.Get("src")
	assert.Equal(t, []float32{9}, v)
	assert.Equal(t, 2, c.Size())

	seen := 0
	c.Range(func(key string, v []float32) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}
