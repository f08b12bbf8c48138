package ffinput

import "container/heap"

// reorderBuffer restores presentation order. Frames are held in a min-heap
// keyed by PTS; ties keep arrival order.
type reorderBuffer struct {
	depth int
	items frameHeap
	seq   uint64
}

func newReorderBuffer(depth int) *reorderBuffer {
	if depth < 0 {
		depth = 0
	}
	return &reorderBuffer{depth: depth}
}

// push adds a frame and returns the frames that no longer need holding.
func (r *reorderBuffer) push(f *VideoFrame) []*VideoFrame {
	heap.Push(&r.items, heldFrame{frame: f, seq: r.seq})
	r.seq++
	var out []*VideoFrame
	for r.items.Len() > r.depth {
		out = append(out, heap.Pop(&r.items).(heldFrame).frame)
	}
	return out
}

// drain releases every held frame in PTS order.
func (r *reorderBuffer) drain() []*VideoFrame {
	out := make([]*VideoFrame, 0, r.items.Len())
	for r.items.Len() > 0 {
		out = append(out, heap.Pop(&r.items).(heldFrame).frame)
	}
	return out
}

func (r *reorderBuffer) len() int { return r.items.Len() }

type heldFrame struct {
	frame *VideoFrame
	seq   uint64
}

type frameHeap []heldFrame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].frame.PTS != h[j].frame.PTS {
		return h[i].frame.PTS < h[j].frame.PTS
	}
	return h[i].seq < h[j].seq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) { *h = append(*h, x.(heldFrame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = heldFrame{}
	*h = old[:n-1]
	return x
}
