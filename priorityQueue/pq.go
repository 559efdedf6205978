package priorityQueue

import (
	"container/heap"
)

// A Delivery is a frame in flight on a simulated link.
type Delivery struct {
	Due   uint64 // simulated time (ms) at which the frame arrives
	Seq   uint64 // breaks ties in send order
	Index int    // The index of the item in the heap
	Link  int
	From  int // endpoint that sent the frame
	Frame []byte
}

// A PriorityQueue implements heap.Interface and holds Deliveries.
type PriorityQueue []*Delivery

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].Due != pq[j].Due {
		return pq[i].Due < pq[j].Due
	}
	return pq[i].Seq < pq[j].Seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*Delivery)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// PopDue removes and returns the earliest delivery if it is due at or
// before now.
func (pq *PriorityQueue) PopDue(now uint64) (*Delivery, bool) {
	if pq.Len() == 0 || (*pq)[0].Due > now {
		return nil, false
	}
	return heap.Pop(pq).(*Delivery), true
}

// Schedule adds d to the queue.
func (pq *PriorityQueue) Schedule(d *Delivery) {
	heap.Push(pq, d)
}
