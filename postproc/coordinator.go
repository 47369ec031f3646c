package postproc

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/queue"
)

// Coordinator enforces the cross-job concurrency policy of spec.md §4.8:
// a strategy-derived cap on total concurrent post-processing jobs, and a
// separate cap on concurrent par jobs, with the "balanced" strategy's
// extra rule that a new par job may not start while other jobs are
// running unless it is already in the repairing stage.
type Coordinator struct {
	strategy Strategy
	jobSem   *semaphore.Weighted
	parSem   *semaphore.Weighted

	pausePostProcess bool

	mu         sync.Mutex
	running    int
	runningPar int
}

// NewCoordinator builds a Coordinator for the given strategy.
func NewCoordinator(strategy Strategy) *Coordinator {
	maxJobs, maxParJobs := strategy.limits()
	return &Coordinator{
		strategy: strategy,
		jobSem:   semaphore.NewWeighted(int64(maxJobs)),
		parSem:   semaphore.NewWeighted(int64(maxParJobs)),
	}
}

// SetPausePostProcess toggles spec.md §4.8's pausePostProcess flag; jobs
// with ForcePriority still progress while paused.
func (c *Coordinator) SetPausePostProcess(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pausePostProcess = paused
}

// TryStart attempts to admit one job for post-processing. isPar indicates
// the job is about to enter a par stage. Returns false immediately
// (non-blocking, matching the rest of this system's polling style) if the
// strategy's caps are currently exhausted, or if post-processing is
// paused and the job does not have ForcePriority.
func (c *Coordinator) TryStart(job *queue.NzbInfo, isPar, inRepairingStage bool) bool {
	c.mu.Lock()
	paused := c.pausePostProcess && !job.ForcePriority
	c.mu.Unlock()
	if paused {
		return false
	}

	if isPar {
		if c.strategy == StrategyBalanced && c.running > 0 && !inRepairingStage {
			// balanced: a new par job cannot start while other jobs are
			// running unless it is already repairing (head-of-line
			// avoidance, spec.md §4.8).
			return false
		}
		if !c.parSem.TryAcquire(1) {
			return false
		}
	}
	if !c.jobSem.TryAcquire(1) {
		if isPar {
			c.parSem.Release(1)
		}
		return false
	}

	c.mu.Lock()
	c.running++
	if isPar {
		c.runningPar++
	}
	c.mu.Unlock()
	nlog.Infof("postproc: admitted job %s (par=%v), running=%d runningPar=%d", job.Name, isPar, c.running, c.runningPar)
	return true
}

// Finish releases the slots TryStart acquired for job.
func (c *Coordinator) Finish(isPar bool) {
	c.mu.Lock()
	c.running--
	if isPar {
		c.runningPar--
	}
	c.mu.Unlock()
	c.jobSem.Release(1)
	if isPar {
		c.parSem.Release(1)
	}
}

// Running / RunningPar report current occupancy, for tests asserting the
// concurrency caps in spec.md §8 ("at no point do more than 6 jobs run or
// more than 2 par jobs run").
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) RunningPar() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningPar
}

// SelectNext picks the highest-priority ready job from candidates: ready
// meaning IsDownloadCompleted, not already Post.Working, and not paused
// unless ForcePriority (spec.md §4.8 "Derived scheduling rules").
func SelectNext(candidates []*queue.NzbInfo) *queue.NzbInfo {
	var best *queue.NzbInfo
	for _, j := range candidates {
		if !j.IsDownloadCompleted() {
			continue
		}
		if j.Post != nil && j.Post.Working {
			continue
		}
		if j.Paused && !j.ForcePriority {
			continue
		}
		if best == nil || j.Priority > best.Priority {
			best = j
		}
	}
	return best
}

// AcquireAndRun is a convenience wrapper used by the real PPP loop: it
// blocks (context-bounded) until TryStart admits the job, runs fn, and
// always releases the slot.
func (c *Coordinator) AcquireAndRun(ctx context.Context, job *queue.NzbInfo, isPar, inRepairingStage bool, pollEvery func() <-chan struct{}, fn func()) {
	for {
		if c.TryStart(job, isPar, inRepairingStage) {
			defer c.Finish(isPar)
			fn()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-pollEvery():
		}
	}
}
