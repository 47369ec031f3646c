package daemon

import (
	"sync"
	"time"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/downloader"
	"github.com/nzbget/nzbget-sub003/par"
	"github.com/nzbget/nzbget-sub003/postproc"
	"github.com/nzbget/nzbget-sub003/queue"
	"github.com/nzbget/nzbget-sub003/unpack"
)

// pipelineRunner is the main data-flow loop spec.md §2 describes: for
// every Job with unresolved articles, dispatch a download pass; for every
// Job whose articles have all resolved, drive it through the PPP stage
// machine. One goroutine per in-flight job keeps the poll loop itself
// cheap.
type pipelineRunner struct {
	app *App

	mu          sync.Mutex
	downloading map[int64]bool
}

func (r *pipelineRunner) Name() string { return "pipeline" }

const pipelinePollInterval = 500 * time.Millisecond

func (r *pipelineRunner) Run() error {
	r.downloading = make(map[int64]bool)
	ticker := time.NewTicker(pipelinePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.app.ctx.Done():
			return r.app.ctx.Err()
		case <-ticker.C:
			r.scan()
		}
	}
}

func (r *pipelineRunner) Stop(error) {}

func (r *pipelineRunner) scan() {
	for _, job := range r.app.Queue.Snapshot() {
		if job.Paused {
			continue
		}
		if job.IsDownloadCompleted() {
			r.maybeStartPostProcess(job)
			continue
		}
		r.maybeStartDownload(job)
	}
}

func (r *pipelineRunner) maybeStartDownload(job *queue.NzbInfo) {
	r.mu.Lock()
	if r.downloading[job.ID] {
		r.mu.Unlock()
		return
	}
	pending := collectPendingArticles(job)
	if len(pending) == 0 {
		r.mu.Unlock()
		return
	}
	r.downloading[job.ID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.downloading, job.ID)
			r.mu.Unlock()
		}()
		r.runDownload(job, pending)
	}()
}

type pendingArticle struct {
	file    *queue.FileInfo
	article *queue.ArticleInfo
}

func collectPendingArticles(job *queue.NzbInfo) []pendingArticle {
	var out []pendingArticle
	for _, f := range job.Files {
		if f.Paused {
			continue
		}
		for _, a := range f.Articles {
			if a.Status == queue.ArticleUndefined {
				out = append(out, pendingArticle{file: f, article: a})
			}
		}
	}
	return out
}

func (r *pipelineRunner) runDownload(job *queue.NzbInfo, pending []pendingArticle) {
	cfg := r.app.Cfg
	jobs := make([]*downloader.Job, 0, len(pending))
	for _, p := range pending {
		if !p.article.CanTransitionTo(queue.ArticleRunning) {
			continue
		}
		p.article.Status = queue.ArticleRunning
		jobs = append(jobs, downloader.NewJob(p.file, p.article, cfg.Down.Retries, cfg.Down.RawArticleRetry))
	}
	if len(jobs) == 0 {
		return
	}

	finished, failed := r.app.Down.RunWorkerPool(r.app.ctx, jobs)
	for _, j := range finished {
		r.app.Stats.Add(0, int64(j.Article.Size))
	}
	nlog.Infof("pipeline: job %s: %d articles finished, %d failed this pass", job.Name, len(finished), len(failed))

	for _, f := range job.Files {
		if f.Status != queue.FilePending || !f.AllArticlesResolved() {
			continue
		}
		cf, err := queue.ReassembleFile(job.DestDir, f, cfg.Down.Decode, cfg.Down.DirectWrite)
		if err != nil {
			nlog.Errorf("pipeline: job %s: reassemble %s: %v", job.Name, f.Filename, err)
			continue
		}
		r.app.Queue.Lock()
		f.Status = queue.FileCompleted
		job.CompletedFiles = append(job.CompletedFiles, cf)
		r.app.Queue.Unlock()
	}
}

func (r *pipelineRunner) maybeStartPostProcess(job *queue.NzbInfo) {
	if job.Post == nil {
		job.Post = &queue.PostInfo{ExtractedArchives: make(map[string]bool)}
	}
	if job.Post.Working {
		return
	}
	isPar := r.app.Cfg.Par.ParCheck
	if !r.app.Post.TryStart(job, isPar, false) {
		return
	}
	job.Post.Working = true
	job.Post.StartTime = time.Now()
	go func() {
		defer func() {
			job.Post.Working = false
			r.app.Post.Finish(isPar)
		}()
		r.runPostProcess(job)
	}()
}

func (r *pipelineRunner) runPostProcess(job *queue.NzbInfo) {
	cfg := postproc.Config{
		Strategy:        parseStrategy(r.app.Cfg.Post.Strategy),
		ParCheckEnabled: r.app.Cfg.Par.ParCheck,
		UnpackEnabled:   r.app.Cfg.Unpack.Unpack,
		CleanupEnabled:  true,
		MoveInterStage:  job.FinalDir != "" && job.FinalDir != job.DestDir,
		ScriptsEnabled:  false,
		HealthCritical:  r.app.Cfg.Post.HealthCritical,
	}

	host := &parHost{app: r.app}
	var parOutcome postproc.JobOutcome

	run := func(stage queue.PostStage) postproc.JobOutcome {
		job.Post.Stage = stage
		job.Post.StageTime = time.Now()
		switch stage {
		case queue.StageParRenaming:
			return postproc.JobOutcome{Health: jobHealth(job)}

		case queue.StageLoadingPars:
			parOutcome = r.runPar(job, host)
			return parOutcome

		case queue.StageVerifyingSources, queue.StageRepairing, queue.StageVerifyingRepaired:
			// par.Driver.Execute already ran the whole verify/repair
			// sequence synchronously in StageLoadingPars; these stages
			// exist for progress reporting, not further work.
			return parOutcome

		case queue.StageRarRenaming:
			return postproc.JobOutcome{}

		case queue.StageUnpacking:
			return r.runUnpack(job)

		case queue.StageCleaningUp:
			r.runCleanup(job)
			return postproc.JobOutcome{}

		case queue.StageMoving:
			r.runMove(job)
			return postproc.JobOutcome{}

		default:
			return postproc.JobOutcome{}
		}
	}

	visited := postproc.RunStages(job, cfg, run)
	nlog.Infof("pipeline: job %s post-processing visited %v", job.Name, visited)
}

func jobHealth(job *queue.NzbInfo) float64 {
	if job.TotalArticles == 0 {
		return 1
	}
	return float64(job.SuccessArticles) / float64(job.TotalArticles)
}

func (r *pipelineRunner) runPar(job *queue.NzbInfo, host *parHost) postproc.JobOutcome {
	mainPars, err := par.DiscoverMainPars(job.DestDir)
	if err != nil || len(mainPars) == 0 {
		return postproc.JobOutcome{ParSkipped: true, Health: jobHealth(job)}
	}

	engine := par.NewCmdlineEngine(r.app.par2Path)
	driver := par.New(engine, host, job.Name, r.app.Cfg.Par.ParRepair, r.app.Cfg.Par.ParScan)
	res, err := driver.Execute(mainPars)
	if err != nil {
		nlog.Errorf("pipeline: job %s: par execute: %v", job.Name, err)
		return postproc.JobOutcome{ParRepairRequired: true, ParRepairFailed: true, Health: jobHealth(job)}
	}
	return postproc.JobOutcome{
		ParRepairRequired: res.RepairPossible || res.Repaired || res.Failed,
		ParRepairFailed:   res.Failed,
		Health:            jobHealth(job),
	}
}

func (r *pipelineRunner) runUnpack(job *queue.NzbInfo) postproc.JobOutcome {
	format, paths, err := unpack.Detect(job.DestDir)
	if err != nil || format == unpack.FormatNone || len(paths) == 0 {
		return postproc.JobOutcome{}
	}
	passwords := []string{""}
	status, err := r.app.Unpack.ExtractWithPasswords(format, paths[0], job.DestDir, passwords)
	if err != nil || status != unpack.StatusSuccess {
		nlog.Warningf("pipeline: job %s: unpack %s: status=%v err=%v", job.Name, paths[0], status, err)
		job.Post.LastUnpackStatus = "failure"
		return postproc.JobOutcome{}
	}
	job.Post.UnpackTried = true
	job.Post.LastUnpackStatus = "success"
	return postproc.JobOutcome{}
}

func (r *pipelineRunner) runCleanup(job *queue.NzbInfo) {
	var names []string
	for _, cf := range job.CompletedFiles {
		names = append(names, cf.Name)
	}
	if err := queue.WriteBrokenLog(job.DestDir, nil); err != nil {
		nlog.Warningf("pipeline: job %s: write broken log: %v", job.Name, err)
	}
	_ = names
}

func (r *pipelineRunner) runMove(job *queue.NzbInfo) {
	if job.FinalDir == "" || job.FinalDir == job.DestDir {
		return
	}
	var names []string
	for _, cf := range job.CompletedFiles {
		names = append(names, cf.Name)
	}
	if err := queue.MoveCompleted(job.DestDir, job.FinalDir, names); err != nil {
		nlog.Errorf("pipeline: job %s: move to %s: %v", job.Name, job.FinalDir, err)
		return
	}
	job.MoveStatus = queue.StageSuccess
}

// parHost adapts the queue coordinator to par.Host.
type parHost struct {
	app *App
}

func (h *parHost) RequestMorePars(jobName string, blocksNeeded int) bool {
	nlog.Warningf("par: %s needs %d more recovery blocks; no feed/NZB collaborator wired to fetch them", jobName, blocksNeeded)
	return false
}

func (h *parHost) FindFileCrc(jobName, filename string) par.FileStatus {
	job := h.findJob(jobName)
	if job == nil {
		return par.FileStatus{}
	}
	for _, f := range job.Files {
		if f.Filename != filename {
			continue
		}
		return fileStatusFor(f)
	}
	return par.FileStatus{}
}

func (h *parHost) DestDir(jobName string) string {
	job := h.findJob(jobName)
	if job == nil {
		return ""
	}
	return job.DestDir
}

func (h *parHost) findJob(name string) *queue.NzbInfo {
	for _, j := range h.app.Queue.Snapshot() {
		if j.Name == name {
			return j
		}
	}
	return nil
}

func fileStatusFor(f *queue.FileInfo) par.FileStatus {
	if len(f.Articles) == 0 {
		return par.FileStatus{}
	}
	crcs := make([]uint32, len(f.Articles))
	sizes := make([]int64, len(f.Articles))
	ok := make([]bool, len(f.Articles))
	known := true
	for i, a := range f.Articles {
		crcs[i] = a.CRC32
		sizes[i] = a.SegSize
		ok[i] = a.Status == queue.ArticleFinished
		if a.Status == queue.ArticleUndefined || a.Status == queue.ArticleRunning {
			known = false
		}
	}
	if !known {
		return par.FileStatus{}
	}
	return par.FileStatus{
		Known:        true,
		WholeFileCRC: par.CombineArticleCRCs(crcs, sizes),
		SegmentCRCs:  crcs,
		SegmentOK:    ok,
	}
}
