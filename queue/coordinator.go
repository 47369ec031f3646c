package queue

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"

	"github.com/nzbget/nzbget-sub003/cmn/jsp"
)

// EditAction enumerates the verbs accepted by Coordinator.Edit (spec.md
// §4.5). Each acts on a list of job ids under the queue lock.
type EditAction int

const (
	ActionPause EditAction = iota
	ActionResume
	ActionMove
	ActionDelete
	ActionMerge
	ActionSplit
	ActionSetCategory
	ActionSetName
	ActionSetDupeKey
	ActionSetPriority
	ActionSort
)

// Coordinator owns the whole Job graph behind a single lock (the "queue
// guard" of spec.md §5): every mutation and every status read that needs a
// consistent snapshot runs while it is held. Workers release it before any
// network or disk I/O, matching the original ArticleDownloader/QueueCoordinator
// split.
type Coordinator struct {
	mu      sync.Mutex
	jobs    []*NzbInfo
	nextID  int64
	persist string // queue snapshot path, empty disables persistence

	index *Index
	seen  *SeenArticles

	quiesce uatomic.Bool // set while a merge is draining in-flight workers

	now   func() time.Time
	sleep func(time.Duration)
}

// mergeQuiesceTimeout bounds how long ActionMerge waits for the source
// jobs' in-flight article workers to observe the pause and return before
// re-parenting Files (DESIGN.md Open Question #3); mergeQuiescePoll is the
// interval between checks, matching the polling cadence the pool/par
// driver already use for their own non-blocking waits (spec.md §5).
const (
	mergeQuiesceTimeout = 5 * time.Second
	mergeQuiescePoll    = 10 * time.Millisecond
)

func NewCoordinator(persistPath string) *Coordinator {
	return &Coordinator{
		persist: persistPath,
		index:   NewIndex(),
		seen:    NewSeenArticles(),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Lock/Unlock expose the queue guard directly for callers (par driver,
// PPP) that need to read a consistent multi-field snapshot without a
// dedicated Coordinator method.
func (c *Coordinator) Lock()   { c.mu.Lock() }
func (c *Coordinator) Unlock() { c.mu.Unlock() }

// AddJob applies the Job's dupe-mode policy (spec.md SUPPLEMENTED FEATURES
// #1, queue/dupe.go's Decide) before registering it: a DupeScore rejection
// returns an error and the Job is never queued, a DupeScore win deletes the
// existing entries it supersedes, and DupeForce/DupeAll/no-key jobs always
// enqueue. Accepted jobs are then deduplicated against already-queued
// article message-ids and indexed for lookup.
func (c *Coordinator) AddJob(job *NzbInfo) (int64, error) {
	decision := c.Decide(job)
	if !decision.Accept {
		return 0, errors.Errorf("queue: reject %s: %s", job.Name, decision.RejectReason)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(decision.Superseded) > 0 {
		c.deleteLocked(decision.Superseded)
	}
	c.dedupeArticlesLocked(job)
	c.nextID++
	job.ID = c.nextID
	c.jobs = append(c.jobs, job)
	c.index.Put(job)
	return job.ID, nil
}

// dedupeArticlesLocked drops any Article whose MessageID this Coordinator
// has already queued, using the cuckoofilter fast path in dupecheck.go: a
// duplicate segment declared twice inside one NZB, or a re-added par2 file
// that references an article another Job already queued, is skipped in
// O(1) instead of a scan over every File's Articles (spec.md SUPPLEMENTED
// FEATURES, modeled on the original SeenArticles fast path).
func (c *Coordinator) dedupeArticlesLocked(job *NzbInfo) {
	for _, f := range job.Files {
		kept := f.Articles[:0]
		for _, a := range f.Articles {
			if a.MessageID != "" && c.seen.CheckAndAdd(a.MessageID) {
				continue
			}
			kept = append(kept, a)
		}
		f.Articles = kept
	}
}

// Find returns the Job with the given id, or nil.
func (c *Coordinator) Find(id int64) *NzbInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Snapshot returns a shallow copy of the current job list, safe to range
// over without holding the lock.
func (c *Coordinator) Snapshot() []*NzbInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*NzbInfo, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// Edit applies action to every job in ids, atomically under the queue lock.
// ActionMerge is the one exception: it manages its own locking so it can
// release the queue guard while it waits for in-flight article workers on
// the merging jobs to quiesce (see merge).
func (c *Coordinator) Edit(ids []int64, action EditAction, args map[string]string) error {
	if action == ActionMerge {
		return c.merge(ids)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	targets := c.findLocked(ids)
	switch action {
	case ActionPause:
		for _, j := range targets {
			j.Paused = true
		}
	case ActionResume:
		for _, j := range targets {
			j.Paused = false
		}
	case ActionDelete:
		c.deleteLocked(ids)
	case ActionSetCategory:
		for _, j := range targets {
			j.Category = args["category"]
		}
	case ActionSetName:
		for _, j := range targets {
			j.Name = args["name"]
		}
	case ActionSetDupeKey:
		for _, j := range targets {
			j.DupeKey = args["dupeKey"]
			c.index.Put(j)
		}
	case ActionSetPriority:
		for _, j := range targets {
			j.Priority = atoiOr(args["priority"], 0)
			j.ForcePriority = args["force"] == "true"
		}
	case ActionSort:
		sort.SliceStable(c.jobs, func(i, k int) bool { return c.jobs[i].Priority > c.jobs[k].Priority })
	case ActionMove, ActionSplit:
		// Neither action changes the queue here. Moving completed files
		// is queue.MoveCompleted (reassembly.go), called on the
		// post-processing path; splitting a job is not implemented.
	}
	return nil
}

func (c *Coordinator) findLocked(ids []int64) []*NzbInfo {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*NzbInfo
	for _, j := range c.jobs {
		if want[j.ID] {
			out = append(out, j)
		}
	}
	return out
}

func (c *Coordinator) deleteLocked(ids []int64) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	kept := c.jobs[:0]
	for _, j := range c.jobs {
		if want[j.ID] {
			c.index.Remove(j)
			continue
		}
		kept = append(kept, j)
	}
	c.jobs = kept
}

// merge implements the Open Question decision recorded in DESIGN.md: it
// pauses every source job, releases the queue lock and waits (bounded by
// mergeQuiesceTimeout) for their in-flight article workers to observe the
// pause and return, then re-acquires the lock to splice file lists
// together. The lock is never held across the wait, matching spec.md §5's
// rule that workers release the queue guard before I/O.
func (c *Coordinator) merge(ids []int64) error {
	c.mu.Lock()
	targets := c.findLocked(ids)
	if len(targets) < 2 {
		c.mu.Unlock()
		return nil
	}
	for _, j := range targets[1:] {
		j.Paused = true
	}
	c.quiesce.Store(true)
	c.mu.Unlock()

	c.awaitQuiesce(targets[1:])

	c.mu.Lock()
	defer func() {
		c.quiesce.Store(false)
		c.mu.Unlock()
	}()

	dst := targets[0]
	for _, j := range targets[1:] {
		dst.Files = append(dst.Files, j.Files...)
		for _, f := range j.Files {
			f.Job = dst
		}
		dst.CompletedFiles = append(dst.CompletedFiles, j.CompletedFiles...)
	}
	c.deleteLocked(idsOf(targets[1:]))
	return nil
}

// awaitQuiesce polls each source job's Active worker count (incremented by
// the downloader around every in-flight article attempt, spec.md §4.4)
// until all reach zero or mergeQuiesceTimeout elapses, whichever comes
// first. It deliberately does not hold the queue lock while it sleeps.
func (c *Coordinator) awaitQuiesce(sources []*NzbInfo) {
	deadline := c.now().Add(mergeQuiesceTimeout)
	for {
		quiet := true
		for _, j := range sources {
			if j.Active.Load() > 0 {
				quiet = false
				break
			}
		}
		if quiet || c.now().After(deadline) {
			return
		}
		c.sleep(mergeQuiescePoll)
	}
}

func idsOf(jobs []*NzbInfo) []int64 {
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

// Quiescing reports whether a merge is currently draining workers. Nothing
// in the download path consults it.
func (c *Coordinator) Quiescing() bool { return c.quiesce.Load() }

// queueSnapshot is the jsp-serializable payload; NzbInfo carries unexported
// fields (message ring, mutex) that must not round-trip through JSON, so
// the snapshot copies only the persisted subset.
type queueSnapshot struct {
	NextID int64      `json:"next_id"`
	Jobs   []jobRecord `json:"jobs"`
}

type jobRecord struct {
	ID             int64             `json:"id"`
	UID            string            `json:"uid"`
	Name           string            `json:"name"`
	Category       string            `json:"category"`
	DestDir        string            `json:"dest_dir"`
	FinalDir       string            `json:"final_dir"`
	Files          []*FileInfo       `json:"files"`
	CompletedFiles []CompletedFile   `json:"completed_files"`
	Parameters     map[string]string `json:"parameters"`
	Priority       int               `json:"priority"`
	DupeMode       DupeMode          `json:"dupe_mode"`
	DupeKey        string            `json:"dupe_key"`
	Paused         bool              `json:"paused"`
}

const snapshotPayloadVersion = 1

// Save serializes the entire queue to disk using the versioned jsp envelope
// (spec.md §4.5/§6).
func (c *Coordinator) Save() error {
	if c.persist == "" {
		return nil
	}
	c.mu.Lock()
	snap := queueSnapshot{NextID: c.nextID}
	for _, j := range c.jobs {
		snap.Jobs = append(snap.Jobs, jobRecord{
			ID: j.ID, UID: j.UID, Name: j.Name, Category: j.Category,
			DestDir: j.DestDir, FinalDir: j.FinalDir, Files: j.Files,
			CompletedFiles: j.CompletedFiles, Parameters: j.Parameters,
			Priority: j.Priority, DupeMode: j.DupeMode, DupeKey: j.DupeKey,
			Paused: j.Paused,
		})
	}
	c.mu.Unlock()
	return jsp.Save(c.persist, snapshotPayloadVersion, snap)
}

// Load reloads a previously saved queue, restoring File/Article statuses,
// then the caller is expected to validate each article's result file
// existence (spec.md §4.5's startup contract) before resuming downloads.
func (c *Coordinator) Load() error {
	if c.persist == "" {
		return nil
	}
	var snap queueSnapshot
	if _, err := jsp.Load(c.persist, &snap); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID = snap.NextID
	c.jobs = c.jobs[:0]
	c.index = NewIndex()
	for _, r := range snap.Jobs {
		j := &NzbInfo{
			ID: r.ID, UID: r.UID, Name: r.Name, Category: r.Category,
			DestDir: r.DestDir, FinalDir: r.FinalDir, Files: r.Files,
			CompletedFiles: r.CompletedFiles, Parameters: r.Parameters,
			Priority: r.Priority, DupeMode: r.DupeMode, DupeKey: r.DupeKey,
			Paused: r.Paused, messages: newMessageRing(200),
			ScriptStatuses: make(map[string]StageStatus),
		}
		for _, f := range j.Files {
			f.Job = j
		}
		c.jobs = append(c.jobs, j)
		c.index.Put(j)
	}
	return nil
}

func atoiOr(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
