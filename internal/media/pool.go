package media

import "sync/atomic"

// RoundRobin hands out workers in a fixed cycle.
type RoundRobin struct {
	workers []Worker
	next    uint32
}

func NewRoundRobin(workers []Worker) *RoundRobin {
	if len(workers) == 0 {
		panic("media: round robin requires at least one worker")
	}
	return &RoundRobin{workers: workers}
}

func (rr *RoundRobin) Next() Worker {
	n := atomic.AddUint32(&rr.next, 1)
	return rr.workers[(n-1)%uint32(len(rr.workers))]
}
