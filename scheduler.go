package swr

import (
	"sync"
	"time"
)

// refreshJob is the ticker loop for one key. Jobs are refcounted: every
// subscriber to a key with a refresh interval holds one reference, and the
// loop stops when the last one unsubscribes.
type refreshJob struct {
	refs     int
	interval time.Duration
	stop     chan struct{}
}

// scheduler drives periodic background revalidation of subscribed keys.
type scheduler struct {
	mu   sync.Mutex
	jobs map[string]*refreshJob
	wg   sync.WaitGroup

	coord *coordinator
	log   Logger
}

func newScheduler(coord *coordinator, log Logger) *scheduler {
	return &scheduler{
		jobs:  make(map[string]*refreshJob),
		coord: coord,
		log:   log,
	}
}

// acquire takes a reference on the refresh loop for a key, starting it on
// first use. Intervals <= 0 are a no-op. The first caller's interval wins
// for the lifetime of the job.
func (s *scheduler) acquire(k Key, cfg entryConfig, interval time.Duration, run fetchRunner) {
	if interval <= 0 {
		return
	}
	sk := k.storage()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		return // scheduler shut down
	}
	if j, ok := s.jobs[sk]; ok {
		j.refs++
		return
	}
	j := &refreshJob{refs: 1, interval: interval, stop: make(chan struct{})}
	s.jobs[sk] = j
	s.wg.Add(1)
	go s.run(k, cfg, run, j)
}

// release drops one reference; the loop stops when none remain.
func (s *scheduler) release(k Key) {
	sk := k.storage()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[sk]
	if !ok {
		return
	}
	j.refs--
	if j.refs <= 0 {
		delete(s.jobs, sk)
		close(j.stop)
	}
}

func (s *scheduler) run(k Key, cfg entryConfig, run fetchRunner, j *refreshJob) {
	defer s.wg.Done()
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.coord.revalidate(k, cfg, run)
		case <-j.stop:
			return
		}
	}
}

func (s *scheduler) close() {
	s.mu.Lock()
	for sk, j := range s.jobs {
		close(j.stop)
		delete(s.jobs, sk)
	}
	s.jobs = nil
	s.mu.Unlock()
	s.wg.Wait()
}
