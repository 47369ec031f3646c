package daemon

import (
	"context"
	"os/exec"
	"time"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/downloader"
	"github.com/nzbget/nzbget-sub003/stats"
)

func newThrottle(reg *stats.Registry) *downloader.Throttle {
	return downloader.NewThrottle(0, reg.Speed.CurrentSpeed)
}

// workState adapts App to sched.WorkState: every Task command the
// scheduler fires lands here and mutates the one component that owns the
// corresponding toggle (spec.md §4.9).
type workState struct {
	app *App
}

func (w *workState) PauseDownload(p bool) {
	w.app.Down.PauseDownload.Store(p)
	nlog.Infof("sched: download %s", pauseWord(p))
}

func (w *workState) PausePostProcess(p bool) {
	w.app.Post.SetPausePostProcess(p)
	nlog.Infof("sched: post-processing %s", pauseWord(p))
}

func (w *workState) PauseScan(p bool) {
	// Scan (NZB directory polling) is owned by the external job-descriptor
	// collaborator (spec.md §1 Non-goals); recorded for that collaborator
	// to observe, nothing in this process polls a directory itself.
	nlog.Infof("sched: scan %s", pauseWord(p))
}

func (w *workState) SetDownloadRate(bytesPerSec int64) {
	if w.app.Down.Throttle == nil {
		w.app.Down.Throttle = newThrottle(w.app.Stats)
	}
	w.app.Down.Throttle.LimitBytesPerSec = bytesPerSec
	nlog.Infof("sched: download rate set to %d B/s", bytesPerSec)
}

func (w *workState) ExecuteScript(path, taskID string) {
	runDetached(path, []string{taskID})
}

func (w *workState) ExecuteProcess(path, taskID string) {
	runDetached(path, []string{taskID})
}

func (w *workState) ActivateServer(id int, active bool) {
	w.app.Pool.SetServerActive(id, active)
}

func (w *workState) FetchFeed(param string) {
	// FeedCoordinator concept (SUPPLEMENTED FEATURES #2): RSS ingestion
	// itself is out of scope; this hook exists so a real feed fetcher can
	// be plugged in without the scheduler knowing about it.
	nlog.Infof("sched: fetchFeed(%s) requested, no feed fetcher wired", param)
}

func pauseWord(p bool) string {
	if p {
		return "paused"
	}
	return "resumed"
}

// runDetached launches an external script/process the way the scheduler's
// executeScript/executeProcess commands do: fire-and-forget, logging
// failure to start but never blocking the tick loop on it.
func runDetached(path string, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	cmd := exec.CommandContext(ctx, path, args...)
	if err := cmd.Start(); err != nil {
		nlog.Errorf("sched: failed to start %s: %v", path, err)
		cancel()
		return
	}
	go func() {
		defer cancel()
		if err := cmd.Wait(); err != nil {
			nlog.Warningf("sched: %s exited with error: %v", path, err)
		}
	}()
}
