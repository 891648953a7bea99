package typeutil

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetBasics(t *testing.T) {
	set := NewSet("a", "b")
	set.Insert("b", "c")
	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contain("a", "c"))
	assert.False(t, set.Contain("a", "z"))

	set.Remove("a")
	got := set.Collect()
	sort.Strings(got)
	assert.Equal(t, []string{"b", "c"}, got)

	clone := set.Clone()
	clone.Insert("d")
	assert.False(t, set.Contain("d"))

	set.Clear()
	assert.Equal(t, 0, set.Len())
}

func TestSetAlgebra(t *testing.T) {
	left := NewSet(1, 2, 3)
	right := NewSet(2, 3, 4)

	assert.True(t, left.Intersection(right).Contain(2, 3))
	assert.Equal(t, 2, left.Intersection(right).Len())
	assert.Equal(t, 4, left.Union(right).Len())
	assert.Equal(t, NewSet(1), left.Complement(right))
	assert.Equal(t, left, left.Complement(nil))

	n := 0
	left.Range(func(int) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}
