package optimize

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"maestro/internal/config"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// scoreWindow is how far back the scheduler looks when judging a template.
const scoreWindow = 7 * 24 * time.Hour

// QueueItem is one pending optimization request.
type QueueItem struct {
	Agent    types.AgentKind
	Template string
	Reason   string
	Priority int

	index int
	seq   int
}

// optQueue is a max-heap on Priority; FIFO within equal priority.
type optQueue []*QueueItem

func (q optQueue) Len() int { return len(q) }
func (q optQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}
func (q optQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *optQueue) Push(x any) {
	item := x.(*QueueItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *optQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler decides when templates get optimized: it polls per-template
// statistics, enqueues poor performers, and drains the queue with a bounded
// number of concurrent optimizer runs.
type Scheduler struct {
	store     *store.Store
	optimizer *Optimizer
	cfg       *config.OptimizationConfig
	sem       *semaphore.Weighted

	mu     sync.Mutex
	queue  optQueue
	queued map[string]bool // agent/template pairs currently enqueued
	seq    int

	now func() time.Time
}

// NewScheduler builds a scheduler around an optimizer.
func NewScheduler(s *store.Store, optimizer *Optimizer, cfg *config.ProjectConfig) *Scheduler {
	opt := &cfg.AutoImprovement.Optimization
	concurrent := opt.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 1
	}
	return &Scheduler{
		store:     s,
		optimizer: optimizer,
		cfg:       opt,
		sem:       semaphore.NewWeighted(int64(concurrent)),
		queued:    make(map[string]bool),
		now:       time.Now,
	}
}

// Enqueue adds a request unless the same (agent, template) is already
// pending. Returns whether the item was added.
func (s *Scheduler) Enqueue(agent types.AgentKind, template, reason string, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(agent) + "/" + template
	if s.queued[key] {
		return false
	}
	s.seq++
	heap.Push(&s.queue, &QueueItem{
		Agent:    agent,
		Template: template,
		Reason:   reason,
		Priority: priority,
		seq:      s.seq,
	})
	s.queued[key] = true
	logging.Get(logging.CategoryOptimize).Info("queued optimization %s (priority %d): %s", key, priority, reason)
	return true
}

// QueueLen reports how many requests are pending.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// dequeue pops the highest-priority item, or nil.
func (s *Scheduler) dequeue() *QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil
	}
	item := heap.Pop(&s.queue).(*QueueItem)
	delete(s.queued, string(item.Agent)+"/"+item.Template)
	return item
}

// CheckAndQueue inspects every production template and enqueues those whose
// recent average is below the optimization threshold. Cooldown suppresses
// templates optimized too recently. Returns the number enqueued.
func (s *Scheduler) CheckAndQueue() (int, error) {
	production, err := s.store.Prompts.FindByStatus(types.VersionProduction)
	if err != nil {
		return 0, err
	}

	now := s.now()
	since := now.Add(-scoreWindow)
	enqueued := 0
	for _, v := range production {
		stats, err := s.store.Evaluations.StatsForVersionSince(v.VersionID, since)
		if err != nil {
			return enqueued, err
		}
		if stats.Count < s.cfg.MinSamplesPerTemplate {
			continue
		}
		if stats.AverageScore >= s.cfg.OptimizationThreshold {
			continue
		}
		if remaining := s.optimizer.cooldownRemaining(v.Agent, v.TemplateName, now); remaining > 0 {
			logging.Get(logging.CategoryOptimize).Debug(
				"cooldown suppresses %s/%s for %s", v.Agent, v.TemplateName, remaining)
			continue
		}

		reason := "7-day average below threshold"
		// Worse scores get higher priority.
		priority := int((s.cfg.OptimizationThreshold - stats.AverageScore) * 10)
		if s.Enqueue(v.Agent, v.TemplateName, reason, priority) {
			enqueued++
		}
	}
	return enqueued, nil
}

// Drain processes queued requests until the queue is empty, bounded by the
// configured concurrency.
func (s *Scheduler) Drain(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		item := s.dequeue()
		if item == nil {
			break
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Put it back for the next run.
			s.Enqueue(item.Agent, item.Template, item.Reason, item.Priority)
			break
		}
		wg.Add(1)
		go func(item *QueueItem) {
			defer wg.Done()
			defer s.sem.Release(1)
			if _, err := s.optimizer.Optimize(ctx, item.Agent, item.Template, false); err != nil {
				logging.Get(logging.CategoryOptimize).Error(
					"optimization of %s/%s failed: %v", item.Agent, item.Template, err)
			}
		}(item)
	}
	wg.Wait()
}

// Run polls on the configured interval until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Get(logging.CategoryOptimize).Info("optimization scheduler running, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CheckAndQueue(); err != nil {
				logging.Get(logging.CategoryOptimize).Error("check_and_queue failed: %v", err)
				continue
			}
			s.Drain(ctx)
		}
	}
}
