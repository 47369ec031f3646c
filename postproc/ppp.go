package postproc

import (
	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/queue"
)

// Config is the subset of cmn.PostConf (plus par/unpack toggles) the PPP
// decides stage transitions from. Passed explicitly rather than reading a
// global, per spec.md §9's "explicit context record" design note.
type Config struct {
	Strategy Strategy

	ParCheckEnabled bool
	UnpackEnabled   bool
	CleanupEnabled  bool
	MoveInterStage  bool
	ScriptsEnabled  bool

	HealthCritical float64 // 0..1; a Health above 0 and below this skips par and ends post-processing
}

// JobOutcome carries the results of the stage just run, consulted by
// NextStage to decide what runs next (spec.md §4.8 "decides what runs next
// by inspecting job status fields").
type JobOutcome struct {
	ParSkipped        bool // the par engine itself reported "skipped" (no pars found)
	ParRepairRequired bool
	ParRepairFailed   bool
	Health            float64 // 0..1, fraction of articles successfully downloaded
	UnpackNeedsPar    bool    // unpack driver requested a forced par-check (spec.md §4.7)
	RarRenameNeeded   bool
}

// NextStage implements spec.md §4.8's stage machine: queued ->
// parRenaming? -> loadingPars/verifyingSources/repairing/verifyingRepaired?
// -> rarRenaming? -> unpacking? -> cleaningUp? -> moving? ->
// executingScript -> finished, with the policy gates of §4.8.
func NextStage(cur queue.PostStage, cfg Config, out JobOutcome) queue.PostStage {
	switch cur {
	case queue.StageQueued:
		return queue.StageParRenaming

	case queue.StageParRenaming:
		if !cfg.ParCheckEnabled {
			return afterPar(cfg, out, false)
		}
		// Health-based par request: a Health above zero and below
		// HealthCritical skips par and every later stage. A Health of
		// exactly 0 passes this check, par-file presence is not checked,
		// and no job status is set here.
		if out.Health > 0 && out.Health < cfg.HealthCritical {
			return queue.StageFinished
		}
		return queue.StageLoadingPars

	case queue.StageLoadingPars:
		return queue.StageVerifyingSources

	case queue.StageVerifyingSources:
		if out.ParSkipped && out.Health >= cfg.HealthCritical {
			// Skip par without requiring an unpack-triggered re-check
			// unless the unpacker later signals it needs one.
			return afterPar(cfg, out, false)
		}
		if !out.ParRepairRequired {
			return afterPar(cfg, out, false)
		}
		return queue.StageRepairing

	case queue.StageRepairing:
		return queue.StageVerifyingRepaired

	case queue.StageVerifyingRepaired:
		return afterPar(cfg, out, out.ParRepairFailed)

	case queue.StageRarRenaming:
		return afterRarRename(cfg, out)

	case queue.StageUnpacking:
		return afterUnpack(cfg)

	case queue.StageCleaningUp:
		return afterCleanup(cfg)

	case queue.StageMoving:
		return afterMove(cfg)

	case queue.StageExecutingScript:
		return queue.StageFinished

	default:
		return queue.StageFinished
	}
}

// afterPar routes from the end of the par phase (whether it ran, was
// skipped, or was never enabled) into rar-rename/unpack, applying the
// "unpack skip on par failure" policy.
func afterPar(cfg Config, out JobOutcome, repairFailed bool) queue.PostStage {
	if repairFailed {
		// Par repair required but failed: skip unpack entirely
		// (spec.md §4.8 "Unpack skip on par failure").
		return afterUnpackSkip(cfg)
	}
	if out.RarRenameNeeded {
		return queue.StageRarRenaming
	}
	return afterRarRename(cfg, out)
}

func afterRarRename(cfg Config, out JobOutcome) queue.PostStage {
	if !cfg.UnpackEnabled {
		return afterUnpack(cfg)
	}
	return queue.StageUnpacking
}

func afterUnpackSkip(cfg Config) queue.PostStage {
	return afterCleanup(cfg)
}

func afterUnpack(cfg Config) queue.PostStage {
	if !cfg.CleanupEnabled {
		return afterCleanup(cfg)
	}
	return queue.StageCleaningUp
}

func afterCleanup(cfg Config) queue.PostStage {
	if !cfg.MoveInterStage {
		return afterMove(cfg)
	}
	return queue.StageMoving
}

func afterMove(cfg Config) queue.PostStage {
	if !cfg.ScriptsEnabled {
		return queue.StageFinished
	}
	return queue.StageExecutingScript
}

// RunStages drives job through NextStage until StageFinished, calling run
// once per stage entered (except Queued/Finished, which carry no work) and
// feeding its JobOutcome back into the next transition. Used directly by
// tests and by the real coordinator's per-job worker goroutine.
func RunStages(job *queue.NzbInfo, cfg Config, run func(stage queue.PostStage) JobOutcome) []queue.PostStage {
	var visited []queue.PostStage
	var out JobOutcome
	stage := queue.StageQueued
	for {
		next := NextStage(stage, cfg, out)
		if next == queue.StageFinished {
			visited = append(visited, next)
			break
		}
		visited = append(visited, next)
		out = run(next)
		stage = next
	}
	if job.Post != nil {
		job.Post.Stage = queue.StageFinished
	}
	nlog.Infof("postproc: job %s finished post-processing, visited=%v", job.Name, visited)
	return visited
}
