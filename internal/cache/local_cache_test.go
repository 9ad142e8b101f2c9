package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	c := NewLocalCache[string](2, time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", "1", 0)
	c.Set("b", "2", 2*time.Minute)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	// 容量已满，淘汰最早过期的 a
	c.Set("c", "3", 0)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	// b 在 c 之后过期
	now = now.Add(90 * time.Second)
	_, ok = c.Get("c")
	assert.False(t, ok)
	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	c.DeleteFunc(func(key, value string) bool { return value == "2" })
	assert.Equal(t, 0, c.Len())
}

func TestLocalCache_Cleanup(t *testing.T) {
	now := time.Now()
	c := NewLocalCache[int](0, time.Second)
	c.now = func() time.Time { return now }

	for _, k := range []string{"x", "y", "z"} {
		c.Set(k, 1, 0)
	}
	c.Set("long", 2, time.Hour)

	now = now.Add(2 * time.Second)
	c.Cleanup()
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
