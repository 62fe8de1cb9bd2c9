package sequence

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCollectRoundTrip(t *testing.T) {
	in := []int{3, 1, 4, 1, 5}
	assert.Equal(t, in, From(in).Collect())
	assert.Nil(t, From([]int{}).Collect(), "empty input collects to nil")
}

func TestIteratorIsReusable(t *testing.T) {
	it := From([]int{1, 2, 3})
	assert.Equal(t, 3, it.Count())
	assert.Equal(t, 3, it.Count(), "terminal calls do not consume the iterator")
	assert.Equal(t, []int{1, 2, 3}, it.Collect())
}

func TestFilterKeepsMatches(t *testing.T) {
	even := From([]int{1, 2, 3, 4, 5, 6}).Filter(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, []int{2, 4, 6}, even.Collect())
	assert.Equal(t, 3, even.Count())
}

func TestSortIsStableAndDoesNotMutateInput(t *testing.T) {
	type pair struct{ key, ord int }
	in := []pair{{2, 0}, {1, 1}, {2, 2}, {1, 3}}
	sorted := From(in).Sort(func(a, b pair) bool { return a.key < b.key }).Collect()

	assert.Equal(t, []pair{{1, 1}, {1, 3}, {2, 0}, {2, 2}}, sorted, "equal keys keep arrival order")
	assert.Equal(t, []pair{{2, 0}, {1, 1}, {2, 2}, {1, 3}}, in, "the source slice is untouched")
}

func TestToArrayMaps(t *testing.T) {
	got := ToArray(From([]int{1, 2, 3}), strconv.Itoa)
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestPullStopsEarly(t *testing.T) {
	next, stop := From([]int{10, 20, 30}).Pull()
	defer stop()

	v, ok := next()
	require.True(t, ok)
	assert.Equal(t, 10, v)
	v, ok = next()
	require.True(t, ok)
	assert.Equal(t, 20, v)

	stop()
	_, ok = next()
	assert.False(t, ok, "a stopped pull yields nothing")
}

func TestChainedCombinators(t *testing.T) {
	got := From([]int{5, 3, 8, 1, 9, 2}).
		Filter(func(v int) bool { return v > 2 }).
		Sort(func(a, b int) bool { return a < b }).
		Collect()
	assert.Equal(t, []int{3, 5, 8, 9}, got)
}
