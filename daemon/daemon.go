// Package daemon wires every engineering-core package (server, nntp,
// downloader, queue, par, unpack, postproc, sched, stats) into one
// long-running process, the way aistore's ais package wires its proxy/
// target runners under cmd/aisnode's thin main(). Job descriptors
// themselves (the NZB XML parser, RSS feed ingestion) are an external
// collaborator per spec.md §1; this package starts from whatever Jobs are
// already persisted in the queue snapshot and whatever Jobs a caller adds
// through AddJob.
package daemon

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nzbget/nzbget-sub003/cmn"
	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/downloader"
	"github.com/nzbget/nzbget-sub003/postproc"
	"github.com/nzbget/nzbget-sub003/queue"
	"github.com/nzbget/nzbget-sub003/sched"
	"github.com/nzbget/nzbget-sub003/server"
	"github.com/nzbget/nzbget-sub003/stats"
	"github.com/nzbget/nzbget-sub003/unpack"
)

// Runner is the minimal named-goroutine contract the rungroup drives,
// modeled on aistore's cos.Runner (ais/daemon.go): Run blocks until the
// runner stops on its own or Stop is called, and returns the reason.
type Runner interface {
	Name() string
	Run() error
	Stop(error)
}

// rungroup starts every registered Runner concurrently and tears every
// other one down as soon as any single one exits, aistore's
// ais.rungroup shape scaled down to this daemon's three runners.
type rungroup struct {
	rs    []Runner
	errCh chan error
}

func (g *rungroup) add(r Runner) { g.rs = append(g.rs, r) }

func (g *rungroup) run() error {
	g.errCh = make(chan error, len(g.rs))
	for _, r := range g.rs {
		go func(r Runner) {
			err := r.Run()
			nlog.Infof("daemon: runner %s exited: %v", r.Name(), err)
			g.errCh <- err
		}(r)
	}
	first := <-g.errCh
	for _, r := range g.rs {
		r.Stop(first)
	}
	for i := 1; i < len(g.rs); i++ {
		<-g.errCh
	}
	return first
}

// App holds every wired component; its fields are the dependency graph a
// careful reader can trace from spec.md's component list straight to the
// package implementing it.
type App struct {
	Cfg    *cmn.Config
	Pool   *server.Pool
	Queue  *queue.Coordinator
	Stats  *stats.Registry
	Down   *downloader.Downloader
	Unpack *unpack.Extractor
	Post   *postproc.Coordinator
	Sched  *sched.Scheduler

	par2Path string

	ctx    context.Context
	cancel context.CancelFunc
}

// Bootstrap loads configuration and constructs every component, but starts
// no goroutines; call Run to actually drive the daemon.
func Bootstrap(configPath string) (*App, error) {
	cfg := cmn.DefaultConfig()
	if configPath != "" {
		if err := cmn.LoadINI(configPath, cfg); err != nil {
			return nil, err
		}
	}
	cmn.PutConfig(cfg)
	cmn.InitIDs(uint64(time.Now().UnixNano()))

	pool := server.NewPool(
		time.Duration(cfg.Timeout.RetryIntervalSec)*time.Second,
		time.Duration(cfg.Timeout.HoldSeconds)*time.Second,
	)
	for i := range cfg.Servers {
		sc := &cfg.Servers[i]
		pool.AddServer(&server.NewsServer{
			ID: sc.ID, Active: sc.Active, Name: sc.Name, Host: sc.Host, Port: sc.Port,
			IPVersion: sc.IPVersion, Username: sc.Username, Password: sc.Password,
			JoinGroup: sc.JoinGroup, TLS: sc.TLS, Cipher: sc.Cipher,
			MaxConnections: sc.MaxConnections, RetentionDays: sc.RetentionDays,
			Level: sc.Level, Group: sc.Group, Optional: sc.Optional,
		})
	}
	pool.InitConnections()

	qc := queue.NewCoordinator(queueSnapshotPath(cfg.Dirs.QueueDir))
	if err := qc.Load(); err != nil {
		nlog.Warningf("daemon: starting with an empty queue: %v", err)
	}

	reg := stats.NewRegistry()
	if cfg.Quota.DailyMiB > 0 || cfg.Quota.MonthlyMiB > 0 {
		reg.Quota = stats.NewQuota(cfg.Quota.DailyMiB, cfg.Quota.MonthlyMiB, cfg.Quota.StartDay)
	}

	dl := downloader.New(pool, dialer(cfg))
	dl.Decode = cfg.Down.Decode
	dl.DirectWrite = cfg.Down.DirectWrite
	dl.CrcCheck = cfg.Down.CrcCheck
	dl.MaxLevel = pool.MaxNormLevel()
	dl.TempDir = cfg.Dirs.TempDir
	dl.Throttle = downloader.NewThrottle(cfg.Down.Rate, reg.Speed.CurrentSpeed)

	ex := unpack.NewExtractor(cfg.Unpack.UnrarPath, cfg.Unpack.SevenZipPath)

	post := postproc.NewCoordinator(parseStrategy(cfg.Post.Strategy))
	post.SetPausePostProcess(cfg.Post.PausePostProcess)

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Cfg: cfg, Pool: pool, Queue: qc, Stats: reg, Down: dl, Unpack: ex, Post: post,
		par2Path: "par2",
		ctx:      ctx, cancel: cancel,
	}

	app.Sched = sched.New(&workState{app: app})
	return app, nil
}

func queueSnapshotPath(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "queue.bin")
}

func parseStrategy(s string) postproc.Strategy {
	// postproc.parseStrategy is unexported; ParseStrategy mirrors it for
	// callers outside the package (see postproc/strategy.go).
	return postproc.ParseStrategy(s)
}

func dialer(cfg *cmn.Config) func(srv *server.NewsServer) (net.Conn, error) {
	timeout := time.Duration(cfg.Timeout.ConnectionSeconds) * time.Second
	return func(srv *server.NewsServer) (net.Conn, error) {
		addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
		d := &net.Dialer{Timeout: timeout}
		if !srv.TLS {
			return d.Dial("tcp", addr)
		}
		return tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: srv.Host})
	}
}

// Run starts every runner and blocks until one exits (normal shutdown via
// signal, or an unrecoverable error), then persists the queue once more on
// the way out.
func (a *App) Run() int {
	defer nlog.Flush()

	g := &rungroup{}
	g.add(&schedRunner{app: a})
	g.add(&pipelineRunner{app: a})
	g.add(&signalRunner{app: a})

	err := g.run()
	if saveErr := a.Queue.Save(); saveErr != nil {
		nlog.Errorf("daemon: final queue save failed: %v", saveErr)
	}
	if err == nil || err == context.Canceled {
		nlog.Infof("daemon: terminated OK")
		return 0
	}
	nlog.Errorf("daemon: terminated with err: %v", err)
	return 1
}

////////////////
// signalRunner //
////////////////

type signalRunner struct {
	app *App
	ch  chan os.Signal
}

func (r *signalRunner) Name() string { return "signal" }

func (r *signalRunner) Run() error {
	r.ch = make(chan os.Signal, 1)
	signal.Notify(r.ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-r.ch:
		nlog.Infof("daemon: received signal %v", s)
		return context.Canceled
	case <-r.app.ctx.Done():
		return r.app.ctx.Err()
	}
}

func (r *signalRunner) Stop(error) {
	if r.ch != nil {
		signal.Stop(r.ch)
	}
	r.app.cancel()
}

////////////////
// schedRunner //
////////////////

// schedRunner ticks the scheduler once a minute, aligned to the minute
// boundary per spec.md §4.9.
type schedRunner struct {
	app  *App
	stop chan struct{}
	once sync.Once
}

func (r *schedRunner) Name() string { return "sched" }

func (r *schedRunner) Run() error {
	r.stop = make(chan struct{})
	now := time.Now()
	align := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	timer := time.NewTimer(align)
	defer timer.Stop()
	for {
		select {
		case <-r.app.ctx.Done():
			return r.app.ctx.Err()
		case <-r.stop:
			return nil
		case <-timer.C:
			r.app.Sched.Tick()
			timer.Reset(time.Minute)
		}
	}
}

func (r *schedRunner) Stop(error) {
	r.once.Do(func() {
		if r.stop != nil {
			close(r.stop)
		}
	})
}
