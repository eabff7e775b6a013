package bridge

import (
	"sort"
	"sync"
	"time"
)

// DefaultFrameInterval 近似一个动画帧。
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler 把回调推迟到下一个帧边界执行。返回的 cancel 在回调尚未执行时取消它。
type Scheduler interface {
	Schedule(fn func()) (cancel func() bool)
}

// FrameScheduler 用定时器模拟帧边界。
type FrameScheduler struct {
	Interval time.Duration
}

func (s FrameScheduler) Schedule(fn func()) func() bool {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	t := time.AfterFunc(interval, fn)
	return t.Stop
}

// ManualScheduler 只在 Flush 时执行回调，用于确定性测试。
type ManualScheduler struct {
	mu    sync.Mutex
	next  int
	tasks map[int]func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]func())}
}

func (s *ManualScheduler) Schedule(fn func()) func() bool {
	s.mu.Lock()
	s.next++
	id := s.next
	s.tasks[id] = fn
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.tasks[id]; !ok {
			return false
		}
		delete(s.tasks, id)
		return true
	}
}

// Pending 返回尚未执行的回调数。
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Flush 按调度顺序执行全部待执行回调。
func (s *ManualScheduler) Flush() int {
	s.mu.Lock()
	ids := make([]int, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.tasks[id])
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
