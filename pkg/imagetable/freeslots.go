package imagetable

import "container/heap"

// freeSlotHeap is a min-heap of free slot indices: the smallest free index
// is always popped first, matching the tie-break rule that prefers low
// slot numbers when more than one slot is free.
type freeSlotHeap []uint32

func (h freeSlotHeap) Len() int            { return len(h) }
func (h freeSlotHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h freeSlotHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *freeSlotHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *freeSlotHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

func newFreeSlotHeap() *freeSlotHeap {
	h := &freeSlotHeap{}
	heap.Init(h)
	return h
}

func (h *freeSlotHeap) push(slot uint32) { heap.Push(h, slot) }
func (h *freeSlotHeap) pop() uint32      { return heap.Pop(h).(uint32) }
func (h *freeSlotHeap) len() int         { return h.Len() }
