package sequence

import "container/heap"

// PriorityItem pairs a value with its priority. Items with equal priority
// keep their arrival order: every enqueue stamps a monotonic sequence number
// used as the tiebreaker.
type PriorityItem[T any] struct {
	Value    T
	Priority int
	seq      int64
	index    int
}

type priorityQueue[T any] struct {
	items []*PriorityItem[T]
}

func (pq *priorityQueue[T]) Len() int {
	return len(pq.items)
}

func (pq *priorityQueue[T]) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (pq *priorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue[T]) Push(x any) {
	item := x.(*PriorityItem[T])
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	pq.items = old[0 : n-1]
	return item
}

// PriorityQueue is a stable max-priority queue: higher Priority dequeues
// first, equal priorities dequeue in insertion order. Not safe for
// concurrent use; callers hold their own lock.
type PriorityQueue[T any] struct {
	pq       priorityQueue[T]
	nextSeq  int64
	frontSeq int64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{}
	heap.Init(&pq.pq)
	return pq
}

// Enqueue inserts the value behind every earlier item of the same priority.
func (pq *PriorityQueue[T]) Enqueue(value T, priority int) *PriorityItem[T] {
	pq.nextSeq++
	item := &PriorityItem[T]{
		Value:    value,
		Priority: priority,
		seq:      pq.nextSeq,
	}
	heap.Push(&pq.pq, item)
	return item
}

// EnqueueFront inserts the value ahead of every queued item of the same
// priority. Used to put failed sends back at the head of their tier.
func (pq *PriorityQueue[T]) EnqueueFront(value T, priority int) *PriorityItem[T] {
	pq.frontSeq--
	item := &PriorityItem[T]{
		Value:    value,
		Priority: priority,
		seq:      pq.frontSeq,
	}
	heap.Push(&pq.pq, item)
	return item
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&pq.pq).(*PriorityItem[T])
	return item.Value, true
}

func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.pq.items[0].Value, true
}

// Drain removes and returns every queued value in dequeue order.
func (pq *PriorityQueue[T]) Drain() []T {
	out := make([]T, 0, pq.pq.Len())
	for {
		v, ok := pq.Dequeue()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Filter retains only values the keep function accepts, preserving order,
// and returns the removed values.
func (pq *PriorityQueue[T]) Filter(keep func(T) bool) []T {
	kept := make([]*PriorityItem[T], 0, pq.pq.Len())
	var removed []T
	for pq.pq.Len() > 0 {
		item := heap.Pop(&pq.pq).(*PriorityItem[T])
		if keep(item.Value) {
			kept = append(kept, item)
		} else {
			removed = append(removed, item.Value)
		}
	}
	for _, item := range kept {
		heap.Push(&pq.pq, item)
	}
	return removed
}

func (pq *PriorityQueue[T]) Len() int {
	return pq.pq.Len()
}

func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.pq.Len() == 0
}
