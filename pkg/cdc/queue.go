package cdc

import (
	queue "github.com/yireyun/go-queue"
)

// PointerQueue hands freshly staged epochs from the poller to the applier
// within one process, saving a listing round-trip. The object-store
// pointer markers stay the durable truth; a restart rebuilds from those.
type PointerQueue struct {
	q *queue.EsQueue
}

func NewPointerQueue(capacity uint32) *PointerQueue {
	return &PointerQueue{q: queue.NewQueue(capacity)}
}

func (p *PointerQueue) Push(epoch int64) {
	// a full queue is fine, the applier falls back to listing markers
	p.q.Put(epoch)
}

func (p *PointerQueue) Pop() (int64, bool) {
	v, ok, _ := p.q.Get()
	if !ok {
		return 0, false
	}
	return v.(int64), true
}
