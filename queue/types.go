// Package queue owns the job graph (spec.md §4.5, §3): Jobs, Files and
// Articles, the queue lock guarding all mutation, persistence of the whole
// graph, and file reassembly once a File's Articles all resolve.
package queue

import (
	"sync"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/nzbget/nzbget-sub003/cmn"
)

// ArticleStatus is the lifecycle state of one ArticleInfo. It moves
// undefined -> running -> (finished | failed | not-found) at most once.
type ArticleStatus int

const (
	ArticleUndefined ArticleStatus = iota
	ArticleRunning
	ArticleFinished
	ArticleFailed
	ArticleNotFound
)

// ArticleInfo is one NNTP article to fetch, owned by its File.
type ArticleInfo struct {
	Part      int
	MessageID string
	Size      int64
	CRC32     uint32
	SegOffset int64
	SegSize   int64
	Status    ArticleStatus

	// ResultFilename is the per-article temp artifact (join and raw
	// modes), or empty in direct-write mode.
	ResultFilename string
}

// CanTransitionTo enforces the single-transition invariant from spec.md §3.
func (a *ArticleInfo) CanTransitionTo(next ArticleStatus) bool {
	switch a.Status {
	case ArticleUndefined:
		return next == ArticleRunning
	case ArticleRunning:
		return next == ArticleFinished || next == ArticleFailed || next == ArticleNotFound
	default:
		return false
	}
}

// FileStatus is a File's reassembly state: the daemon pipeline reassembles
// only FilePending files and marks them FileCompleted afterwards.
type FileStatus int

const (
	FilePending FileStatus = iota
	FileCompleted
	FileBroken
)

// FileInfo is one expected output file, owned by its Job.
type FileInfo struct {
	ID                int64
	Subject           string
	Filename          string
	FilenameConfirmed bool
	Groups            []string // newsgroups carried by the NZB segment, tried in order

	Articles []*ArticleInfo

	TotalSize     int64
	RemainingSize int64
	MissedSize    int64

	IsParFile bool
	Paused    bool

	// Direct-write bookkeeping.
	DirectFilename     string
	OutputInitialized  bool
	directWriteMu      sync.Mutex

	Status FileStatus

	Job *NzbInfo `json:"-"` // back-reference, non-owning; excluded to avoid a cycle on persist
}

// LockDirectWrite / UnlockDirectWrite coordinate concurrent direct-write
// workers racing to allocate the shared output file (spec.md §5).
func (f *FileInfo) LockDirectWrite()   { f.directWriteMu.Lock() }
func (f *FileInfo) UnlockDirectWrite() { f.directWriteMu.Unlock() }

// AllArticlesResolved reports whether every Article has left the running
// state (the reassembly precondition, spec.md §4.5).
func (f *FileInfo) AllArticlesResolved() bool {
	for _, a := range f.Articles {
		if a.Status == ArticleUndefined || a.Status == ArticleRunning {
			return false
		}
	}
	return true
}

// CompletedFileStatus mirrors spec.md §3's CompletedFile.Status domain.
type CompletedFileStatus int

const (
	CompletedSuccess CompletedFileStatus = iota
	CompletedPartial
	CompletedFailure
)

type CompletedFile struct {
	ID     int64
	Name   string
	CRC32  uint32
	Status CompletedFileStatus
}

// StageStatus values used by the Job's per-stage status fields.
type StageStatus int

const (
	StageNone StageStatus = iota
	StageSkipped
	StageRunning
	StageSuccess
	StageFailure
)

// DupeMode mirrors DupeCoordinator.h's dupe-mode enum (spec.md "SUPPLEMENTED
// FEATURES" §1 in SPEC_FULL.md).
type DupeMode int

const (
	DupeScore DupeMode = iota
	DupeAll
	DupeForce
)

// NzbInfo is the unit of user intent (spec.md calls it "Job").
type NzbInfo struct {
	ID          int64
	UID         string // shortid, stable across persistence round-trips
	Kind        string // "file-collection" | "url"
	Name        string
	Category    string
	DestDir     string
	FinalDir    string

	Files          []*FileInfo
	CompletedFiles []CompletedFile

	Parameters map[string]string

	Priority     int
	ForcePriority bool

	DupeMode DupeMode
	DupeKey  string
	DupeScore int

	ParStatus    StageStatus
	UnpackStatus StageStatus
	MoveStatus   StageStatus
	RenameStatus StageStatus
	URLStatus    StageStatus
	DeleteStatus StageStatus
	ScriptStatuses map[string]StageStatus

	Post *PostInfo

	TotalArticles   int64
	SuccessArticles int64
	FailedArticles  int64
	DownloadedBytes int64

	AddedTime     time.Time
	CompletedTime time.Time

	Paused bool

	// Active counts article workers currently in flight for this Job. The
	// downloader increments it for the duration of each attemptArticle call
	// (spec.md §4.4); Coordinator.merge polls it down to zero, bounded by a
	// timeout, before re-parenting a Job being merged away (DESIGN.md Open
	// Question #3).
	Active uatomic.Int32

	messages *MessageRing
	mu       sync.Mutex // not locked anywhere; Paused/ForcePriority are changed under the queue lock
}

// PostStage is the PPP stage enum (spec.md §4.8).
type PostStage int

const (
	StageQueued PostStage = iota
	StageParRenaming
	StageLoadingPars
	StageVerifyingSources
	StageRepairing
	StageVerifyingRepaired
	StageRarRenaming
	StageUnpacking
	StageCleaningUp
	StageMoving
	StageExecutingScript
	StageFinished
)

// PostInfo is per-job post-processing state (spec.md §3).
type PostInfo struct {
	Stage           PostStage
	StageProgress   int // per-mille
	FileProgress    int
	ProgressLabel   string
	StartTime       time.Time
	StageTime       time.Time
	ParRepaired     bool
	RequestParCheck bool
	ForceParFull    bool
	UnpackTried     bool
	PassListTried   bool
	LastUnpackStatus string

	ExtractedArchives map[string]bool // prevents re-unpack loops

	Working bool // a worker goroutine is actively driving this job's stage
}

func NewJob(name string) *NzbInfo {
	return &NzbInfo{
		UID:            cmn.GenID(),
		Name:           name,
		Kind:           "file-collection",
		Parameters:     make(map[string]string),
		ScriptStatuses: make(map[string]StageStatus),
		AddedTime:      time.Now(),
		messages:       newMessageRing(200),
	}
}

func (j *NzbInfo) Messages() *MessageRing { return j.messages }

// IsDownloadCompleted reports whether every File's Articles have resolved
// (the PPP entry precondition, spec.md §5).
func (j *NzbInfo) IsDownloadCompleted() bool {
	for _, f := range j.Files {
		if !f.AllArticlesResolved() {
			return false
		}
	}
	return true
}
