// Package scheduler implements the Priority Scheduler (C7): a pending
// queue ordered by priority (ties broken FIFO) plus the placement
// decision that turns a GPU snapshot into either an allocation or a
// request to evict lower-priority models. Grounded on the teacher's
// scheduler/queue.go WorkQueue, generalized from a slot-placement
// queue guarded by sync.RWMutex into a priority max-heap over pending
// ModelConfigs.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/calculator"
	"github.com/modelforge/orchestrator/pkg/types"
)

// pendingItem is one entry in the priority queue.
type pendingItem struct {
	config    types.ModelConfig
	createdAt time.Time
	index     int
}

// priorityHeap orders by Priority descending, then createdAt
// ascending (FIFO among equal priorities) — the teacher's queue
// achieves the FIFO half by simple append order; the heap needs it
// encoded in Less since pop order isn't insertion order.
type priorityHeap []*pendingItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].config.Priority != h[j].config.Priority {
		return h[i].config.Priority > h[j].config.Priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PreemptionCandidate describes a currently running model the
// scheduler may ask the caller to evict to make room for a
// higher-priority one.
type PreemptionCandidate struct {
	ModelID    string
	Priority   int
	Allocation types.ResourceAllocation
}

// Decision is the outcome of a single Schedule call.
type Decision struct {
	Result     types.ScheduleResult
	Allocation *types.ResourceAllocation
	// Evict lists model ids the caller must stop before the allocation
	// above becomes valid; only populated when eviction was used.
	Evict []string
	Errors []string
}

// Scheduler holds the pending queue and placement policy. It never
// mutates runtime state itself — Schedule returns a Decision and the
// caller (the API server's start handler) is responsible for acting on it.
type Scheduler struct {
	mu    sync.Mutex
	queue priorityHeap
	index map[string]*pendingItem

	calc *calculator.Calculator

	EvictionEnabled bool
	MinPriorityGap  int
}

func New(calc *calculator.Calculator, evictionEnabled bool, minPriorityGap int) *Scheduler {
	s := &Scheduler{
		calc:            calc,
		index:           make(map[string]*pendingItem),
		EvictionEnabled: evictionEnabled,
		MinPriorityGap:  minPriorityGap,
	}
	heap.Init(&s.queue)
	return s
}

// Register enqueues cfg for placement. Re-registering an id replaces
// its queue entry and resets its FIFO position.
func (s *Scheduler) Register(cfg types.ModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.index[cfg.ID]; ok {
		heap.Remove(&s.queue, existing.index)
		delete(s.index, cfg.ID)
	}
	item := &pendingItem{config: cfg, createdAt: time.Now()}
	heap.Push(&s.queue, item)
	s.index[cfg.ID] = item
}

// Unregister removes id from the pending queue, if present. It is a
// no-op for ids that are not queued (e.g. already scheduled).
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[id]
	if !ok {
		return
	}
	heap.Remove(&s.queue, item.index)
	delete(s.index, id)
}

// Len reports the number of models currently waiting for placement.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Peek returns the highest-priority pending config without dequeuing it.
func (s *Scheduler) Peek() (types.ModelConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return types.ModelConfig{}, false
	}
	return s.queue[0].config, true
}

// Schedule dequeues the highest-priority pending model and attempts to
// place it against gpus. If placement fails for lack of resources and
// eviction is enabled, it looks for running models in candidates whose
// priority is at least MinPriorityGap below cfg's priority and returns
// their ids for the caller to stop before retrying. The dequeued model
// is re-registered on failure so it isn't lost from the queue.
func (s *Scheduler) Schedule(gpus []types.GPUInfo, candidates []PreemptionCandidate) Decision {
	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		return Decision{Result: types.ScheduleError, Errors: []string{"queue is empty"}}
	}
	item := heap.Pop(&s.queue).(*pendingItem)
	delete(s.index, item.config.ID)
	s.mu.Unlock()

	cfg := item.config
	requirement := s.calc.Estimate(cfg)
	if len(cfg.ResourceRequirements.GPUDevices) > 0 || cfg.ResourceRequirements.GPUMemory > 0 {
		requirement = cfg.ResourceRequirements
	}

	ok, errs, alloc := s.calc.Validate(requirement, gpus)
	if ok {
		return Decision{Result: types.ScheduleSuccess, Allocation: alloc}
	}

	if s.EvictionEnabled {
		if evictIDs, evictErr := s.planEviction(cfg.Priority, requirement, gpus, candidates); evictErr == nil {
			s.Register(cfg) // will be retried once the caller stops the evicted models
			return Decision{Result: types.ScheduleInsufficientResources, Evict: evictIDs}
		}
	}

	s.Register(cfg)
	return Decision{Result: types.ScheduleInsufficientResources, Errors: errs}
}

// planEviction greedily picks the lowest-priority running candidates
// (priority gap to cfg's priority of at least MinPriorityGap) until
// their freed memory, added to the live snapshot, would satisfy
// requirement. Returns an error if no combination suffices.
func (s *Scheduler) planEviction(priority int, requirement types.ResourceRequirement, gpus []types.GPUInfo, candidates []PreemptionCandidate) ([]string, error) {
	eligible := make([]PreemptionCandidate, 0, len(candidates))
	for _, c := range candidates {
		if priority-c.Priority >= s.MinPriorityGap {
			eligible = append(eligible, c)
		}
	}
	sortByPriorityAscending(eligible)

	snapshot := cloneGPUSnapshot(gpus)
	var chosen []string
	for _, c := range eligible {
		ok, _, _ := s.calc.Validate(requirement, snapshot)
		if ok {
			return chosen, nil
		}
		chosen = append(chosen, c.ModelID)
		freeUpAllocation(snapshot, c.Allocation)
	}
	ok, _, _ := s.calc.Validate(requirement, snapshot)
	if ok {
		return chosen, nil
	}
	return nil, apierrors.New(apierrors.KindInsufficientResources, "no eviction plan satisfies the requested allocation")
}

func sortByPriorityAscending(c []PreemptionCandidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].Priority < c[j-1].Priority; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func cloneGPUSnapshot(gpus []types.GPUInfo) []types.GPUInfo {
	out := make([]types.GPUInfo, len(gpus))
	copy(out, gpus)
	return out
}

func freeUpAllocation(gpus []types.GPUInfo, alloc types.ResourceAllocation) {
	byID := make(map[int]int, len(gpus))
	for i, g := range gpus {
		byID[g.DeviceID] = i
	}
	for _, id := range alloc.GPUDevices {
		if idx, ok := byID[id]; ok {
			gpus[idx].MemoryFree += alloc.PerDeviceMemory
			if gpus[idx].MemoryUsed >= alloc.PerDeviceMemory {
				gpus[idx].MemoryUsed -= alloc.PerDeviceMemory
			}
		}
	}
}
