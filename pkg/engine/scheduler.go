package engine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/S-Corkum/meshflow/pkg/observability"
)

// scheduledJob is one delayed unit of work.
type scheduledJob struct {
	runAt time.Time
	fn    func()
	index int
}

// jobHeap orders jobs by due time.
type jobHeap []*scheduledJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x interface{}) { j := x.(*scheduledJob); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// scheduler runs delayed jobs: a single dispatcher pops due jobs off a time
// ordered heap and hands them to a fixed worker pool. Retries and async
// timers share it.
type scheduler struct {
	logger observability.Logger

	mu      sync.Mutex
	jobs    jobHeap
	wakeCh  chan struct{}
	workCh  chan func()
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func newScheduler(workers int, logger observability.Logger) *scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &scheduler{
		logger: logger.WithPrefix("scheduler"),
		wakeCh: make(chan struct{}, 1),
		workCh: make(chan func(), workers*4),
		stopCh: make(chan struct{}),
	}
	heap.Init(&s.jobs)

	s.wg.Add(1)
	go s.dispatch()
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// schedule queues fn to run after delay. Jobs scheduled after stop are
// dropped.
func (s *scheduler) schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	heap.Push(&s.jobs, &scheduledJob{runAt: time.Now().Add(delay), fn: fn})
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// pending returns the number of queued (not yet due) jobs.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Len()
}

func (s *scheduler) dispatch() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		for s.jobs.Len() > 0 {
			next := s.jobs[0]
			until := time.Until(next.runAt)
			if until > 0 {
				wait = until
				break
			}
			heap.Pop(&s.jobs)
			select {
			case s.workCh <- next.fn:
			default:
				// Pool saturated: run on the dispatcher rather than drop.
				s.mu.Unlock()
				next.fn()
				s.mu.Lock()
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for fn := range s.workCh {
		fn()
	}
}

// stop drops undue jobs and waits for in-flight ones.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.jobs = nil
	s.mu.Unlock()

	close(s.stopCh)
	close(s.workCh)
	s.wg.Wait()
}
