package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriority(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("low", 0)
	pq.Enqueue("critical", 3)
	pq.Enqueue("normal", 1)
	pq.Enqueue("high", 2)

	assert.Equal(t, []string{"critical", "high", "normal", "low"}, pq.Drain())
	assert.True(t, pq.IsEmpty())
}

func TestPriorityQueueIsStableWithinTier(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for v := 0; v < 10; v++ {
		pq.Enqueue(v, 1)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, pq.Drain(), "equal priority keeps arrival order")
}

func TestEnqueueFrontJumpsItsTier(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("first", 1)
	pq.Enqueue("second", 1)
	pq.EnqueueFront("requeued", 1)
	pq.Enqueue("urgent", 2)

	assert.Equal(t, []string{"urgent", "requeued", "first", "second"}, pq.Drain(),
		"front insertion beats its tier but never outranks a higher one")
}

func TestDequeueAndPeek(t *testing.T) {
	pq := NewPriorityQueue[string]()
	_, ok := pq.Dequeue()
	assert.False(t, ok, "empty queue has nothing to dequeue")
	_, ok = pq.Peek()
	assert.False(t, ok)

	pq.Enqueue("a", 1)
	pq.Enqueue("b", 2)

	v, ok := pq.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 2, pq.Len(), "peek does not remove")

	v, ok = pq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, pq.Len())
}

func TestFilterRemovesAndPreservesOrder(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for v := 1; v <= 6; v++ {
		pq.Enqueue(v, v%2) // odds land in tier 1, evens in tier 0
	}

	removed := pq.Filter(func(v int) bool { return v%2 == 1 })
	assert.ElementsMatch(t, []int{2, 4, 6}, removed)
	assert.Equal(t, []int{1, 3, 5}, pq.Drain(), "survivors keep their order")
}
