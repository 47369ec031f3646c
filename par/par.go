// Package par drives par2-based verification and repair (spec.md §4.6): a
// staged state machine (loadingPars -> verifyingSources -> repairing ->
// verifyingRepaired), a quick-CRC verification short-circuit that uses
// per-article CRCs collected during download, and parallel Reed-Solomon
// repair workers.
//
// The real par2 recovery engine is treated as an external component behind
// a narrow adapter (spec.md §9): this package reads par2 packets directly
// only to recover file names, block size and block CRCs
// (engine_par2cmdline.go) and leaves the verify/repair decision to the
// engine; on top of it sit the driver logic and the parallel repair math. Grounded on original_source/daemon/postprocess/
// ParChecker.cpp and ParCoordinator.cpp for the staged algorithm and
// quick-verify coverage rule.
package par

import "time"

// Stage mirrors spec.md §4.6's four-stage machine.
type Stage int

const (
	StageLoadingPars Stage = iota
	StageVerifyingSources
	StageRepairing
	StageVerifyingRepaired
	StageFinished
)

// Result is the structured par verify/repair outcome (spec.md §7).
type Result struct {
	Repaired         bool
	RepairNotNeeded  bool
	RepairPossible   bool
	Failed           bool
	MissingBlocks    int
	AvailableBlocks  int
}

// FileStatus is the upcall result findFileCrc returns: the host-known
// download CRC (and optional per-segment CRCs) for a source file, used by
// the quick-verify short-circuit (spec.md §4.6 "Quick verification").
type FileStatus struct {
	Known        bool
	WholeFileCRC uint32
	SegmentCRCs  []uint32 // one per article/segment, in part order
	SegmentOK    []bool   // true where the corresponding segment downloaded cleanly
}

// Engine is the narrow adapter over the par2 engine (spec.md §9). The
// production implementation (engine_par2cmdline.go) runs a par2cmdline
// binary; this package only depends on this interface.
type Engine interface {
	Preprocess(mainParPath string) error
	Process(doRepair bool) (Result, error)
	VerifyExtraFiles(paths []string) error
	UpdateVerificationResults()
	MissingBlockCount() int
	SourceFiles() []string
	// BlockCRCs returns, for sourceFile, the ordered list of recovery-set
	// block CRCs and the block size, used by the quick-verify
	// reconstruction path.
	BlockCRCs(sourceFile string) (blockCRCs []uint32, blockSize int64, ok bool)
	Cancel()
}

// Host is the set of callbacks the driver needs from its owner (the queue
// coordinator / PPP): requesting more recovery files when the current set
// is insufficient, and the quick-verify upcall.
type Host interface {
	// RequestMorePars asks the host to enqueue/download additional par2
	// files for jobName, given how many more recovery blocks are needed.
	// Returns false if the host reports none are available.
	RequestMorePars(jobName string, blocksNeeded int) bool
	// FindFileCrc is the quick-verify upcall (spec.md §9).
	FindFileCrc(jobName, filename string) FileStatus
	// DestDir returns the directory main par discovery and fragment scans
	// run against for jobName.
	DestDir(jobName string) string
}

// Driver runs one job's par verification/repair pass (spec.md §4.6
// "execute()").
type Driver struct {
	Engine Engine
	Host   Host

	JobName string

	ParRepair bool
	ParScan   string // "extended" | "full"

	Stage         Stage
	StageProgress int // per-mille

	cancelled bool

	pollInterval time.Duration
	now          func() time.Time
}

// New constructs a Driver for one job.
func New(engine Engine, host Host, jobName string, parRepair bool, parScan string) *Driver {
	return &Driver{
		Engine:       engine,
		Host:         host,
		JobName:      jobName,
		ParRepair:    parRepair,
		ParScan:      parScan,
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
	}
}

// Cancel sets the cancellation flag read between stages and forwards it to
// the underlying engine (spec.md §4.6 "Cancellation").
func (d *Driver) Cancel() {
	d.cancelled = true
	d.Engine.Cancel()
}

// Execute runs the top-level algorithm of spec.md §4.6 against every main
// par file discovered in the job's destination directory, blocking until
// verification (and, if ParRepair, repair) completes or is cancelled.
func (d *Driver) Execute(mainPars []string) (Result, error) {
	d.Stage = StageLoadingPars
	var last Result
	for _, mp := range mainPars {
		if d.cancelled {
			return last, nil
		}
		res, err := d.executeOne(mp)
		if err != nil {
			return res, err
		}
		last = res
	}
	d.Stage = StageFinished
	return last, nil
}

func (d *Driver) executeOne(mainPar string) (Result, error) {
	if err := d.preprocessWithRetry(mainPar); err != nil {
		return Result{Failed: true}, err
	}

	d.Stage = StageVerifyingSources
	res, err := d.quickOrFullVerify(false)
	if err != nil {
		return res, err
	}

	if res.Failed && !res.RepairPossible {
		res, err = d.recoverInsufficientBlocks(res)
		if err != nil {
			return res, err
		}
	}

	if res.RepairPossible && d.ParRepair && !d.cancelled {
		d.Stage = StageRepairing
		res, err = d.Engine.Process(true)
		if err != nil {
			return res, err
		}
		d.Stage = StageVerifyingRepaired
	}
	return res, nil
}

// preprocessWithRetry calls Engine.Preprocess, and on failure polls the
// host for more par files at the cadence spec.md §4.6 step 2 specifies
// (100ms), until one is enqueued or the host reports none available.
func (d *Driver) preprocessWithRetry(mainPar string) error {
	for {
		err := d.Engine.Preprocess(mainPar)
		if err == nil {
			return nil
		}
		if !d.Host.RequestMorePars(d.JobName, 0) {
			return err
		}
		time.Sleep(d.pollInterval)
	}
}

func (d *Driver) quickOrFullVerify(doRepair bool) (Result, error) {
	for _, f := range d.Engine.SourceFiles() {
		if ok := d.tryQuickVerify(f); ok {
			continue
		}
	}
	d.Engine.UpdateVerificationResults()
	return d.Engine.Process(doRepair)
}

// recoverInsufficientBlocks implements spec.md §4.6 step 4: add split
// fragments, then missing-file/dupe-source candidates, re-processing after
// each addition; if still insufficient, loop requesting more pars.
func (d *Driver) recoverInsufficientBlocks(res Result) (Result, error) {
	destDir := d.Host.DestDir(d.JobName)

	fragments := discoverSplitFragments(destDir, d.Engine.SourceFiles())
	if len(fragments) > 0 {
		if err := d.Engine.VerifyExtraFiles(fragments); err == nil {
			d.Engine.UpdateVerificationResults()
			if r, err := d.Engine.Process(false); err == nil && r.RepairPossible {
				return r, nil
			}
		}
	}

	for d.Engine.MissingBlockCount() > 0 && !d.cancelled {
		if !d.Host.RequestMorePars(d.JobName, d.Engine.MissingBlockCount()) {
			return res, nil
		}
		time.Sleep(d.pollInterval)
		d.Engine.UpdateVerificationResults()
		r, err := d.Engine.Process(false)
		if err != nil {
			return r, err
		}
		if r.RepairPossible || r.RepairNotNeeded {
			return r, nil
		}
		res = r
	}
	return res, nil
}

// tryQuickVerify attempts the short-circuit of spec.md §4.6 "Quick
// verification" for one source file, falling back to full verification
// (by simply not skipping it) on any mismatch or missing data.
func (d *Driver) tryQuickVerify(filename string) bool {
	status := d.Host.FindFileCrc(d.JobName, filename)
	if !status.Known {
		return false
	}
	blockCRCs, blockSize, ok := d.Engine.BlockCRCs(filename)
	if !ok || blockSize <= 0 {
		return false
	}
	expected, ok := reconstructWholeFileCRC(status, blockCRCs, blockSize)
	if !ok {
		return false
	}
	return expected == status.WholeFileCRC
}
