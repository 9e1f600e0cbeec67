package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecentSet(t *testing.T) {
	s := newRecentSet(2)

	assert.True(t, s.add("a"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.True(t, s.add("c"), "evicts a")
	assert.True(t, s.add("a"), "a was evicted")
	assert.False(t, s.add("c"))
}

func TestStampClock(t *testing.T) {
	c := newStampClock(2)

	assert.Equal(t, int64(100), c.stamp("s1", 100))
	assert.Equal(t, int64(101), c.stamp("s1", 100), "tie moves forward")
	assert.Equal(t, int64(102), c.stamp("s1", 99), "never goes back")
	assert.Equal(t, int64(150), c.stamp("s1", 150))
	assert.Equal(t, int64(100), c.stamp("s2", 100), "ids are independent")

	c.stamp("s3", 100)
	assert.Equal(t, int64(100), c.stamp("s1", 100), "s1 was evicted")
}
