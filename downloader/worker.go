package downloader

import (
	"bytes"
	"context"
	"math"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/nntp"
	"github.com/nzbget/nzbget-sub003/nntp/decode"
	"github.com/nzbget/nzbget-sub003/queue"
	"github.com/nzbget/nzbget-sub003/server"
)

// pollInterval is how often a worker re-checks the pool for a free
// connection while GetConnection returns nil (the pool itself never
// blocks, spec.md §4.1/§5).
const pollInterval = 50 * time.Millisecond

// Pool is the subset of *server.Pool the downloader depends on, so tests can
// substitute a fake without standing up real connections.
type Pool interface {
	GetConnection(level int, wantServer *server.NewsServer, ignoreServers []*server.NewsServer) *server.ConnHandle
	ReleaseConnection(h *server.ConnHandle, used bool)
	BlockServer(s *server.NewsServer)
	MaxNormLevel() int
}

// Downloader runs the article worker pool described in spec.md §4.4 against
// one Pool. Dial produces a raw transport for a NewsServer; tests
// substitute an in-memory pipe.
type Downloader struct {
	Pool Pool
	Dial func(srv *server.NewsServer) (net.Conn, error)

	Decode      bool
	DirectWrite bool
	CrcCheck    bool
	MaxLevel    int

	TempDir string

	Throttle      *Throttle
	PauseDownload uatomic.Bool

	sessMu sync.Mutex
	sess   map[*server.PooledConnection]*nntp.Session
}

func New(pool Pool, dial func(srv *server.NewsServer) (net.Conn, error)) *Downloader {
	return &Downloader{
		Pool: pool,
		Dial: dial,
		sess: make(map[*server.PooledConnection]*nntp.Session),
	}
}

// RunWorkerPool drains jobs to completion, grounded on the capacity-derived
// worker-pool/backoff-requeue shape used by other Usenet downloaders in
// this ecosystem: workerCount = capacity+2, buffered job/result channels,
// exponential backoff on generic failures, immediate requeue on connect
// errors, and a 200 ms delayed requeue on pause.
func (d *Downloader) RunWorkerPool(ctx context.Context, jobs []*Job) (finished, failed []*Job) {
	if len(jobs) == 0 {
		return nil, nil
	}
	capacity := d.Pool.MaxNormLevel() + 1
	if capacity < 1 {
		capacity = 1
	}
	workerCount := capacity + 2
	bufSize := workerCount * 2

	jobCh := make(chan *Job, bufSize)
	resCh := make(chan Result, bufSize)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, jobCh, resCh)
		}()
	}

	pending := len(jobs)
	go func() {
		for _, j := range jobs {
			jobCh <- j
		}
	}()

	for pending > 0 {
		select {
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			return finished, failed
		case res := <-resCh:
			switch res.Outcome {
			case OutcomeFinished:
				res.Job.Article.Status = queue.ArticleFinished
				finished = append(finished, res.Job)
				pending--
			case OutcomePause:
				requeueAfter(jobCh, res.Job, 200*time.Millisecond)
			case OutcomeConnectError:
				requeueAfter(jobCh, res.Job, 0)
			case OutcomeNotFound, OutcomeCRCError:
				if res.Job.downloadRetries <= 0 {
					res.Job.Article.Status = queue.ArticleFailed
					if res.Outcome == OutcomeNotFound {
						res.Job.Article.Status = queue.ArticleNotFound
					}
					failed = append(failed, res.Job)
					pending--
				} else {
					backoff := time.Duration(math.Pow(2, float64(d.MaxLevel-res.Job.Level))) * 100 * time.Millisecond
					requeueAfter(jobCh, res.Job, backoff)
				}
			case OutcomeFatal:
				nlog.Warningf("downloader: %s: %v", res.Job.Article.MessageID, res.Err)
				res.Job.Article.Status = queue.ArticleFailed
				failed = append(failed, res.Job)
				pending--
			}
		}
	}
	close(jobCh)
	wg.Wait()
	return finished, failed
}

func requeueAfter(ch chan<- *Job, j *Job, delay time.Duration) {
	if delay <= 0 {
		ch <- j
		return
	}
	time.AfterFunc(delay, func() { ch <- j })
}

func (d *Downloader) worker(ctx context.Context, jobs <-chan *Job, results chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			// Active tracks in-flight attempts for Coordinator.merge's
			// bounded quiesce wait (spec.md §5, DESIGN.md Open Question
			// #3): held only for the duration of one attempt, so across
			// requeues the count briefly touches zero between attempts.
			if owner := jobOwner(job); owner != nil {
				owner.Active.Inc()
			}
			res := d.attemptArticle(ctx, job)
			if owner := jobOwner(job); owner != nil {
				owner.Active.Dec()
			}
			results <- res
		}
	}
}

// attemptArticle runs one pass of the state machine in spec.md §4.4's
// diagram: acquire -> connect -> fetch -> decode -> persist, reporting the
// Outcome that tells the dispatch loop how to requeue.
func (d *Downloader) attemptArticle(ctx context.Context, job *Job) Result {
	if d.PauseDownload.Load() {
		return Result{Job: job, Outcome: OutcomePause}
	}

	if d.Decode && d.DirectWrite && HasContinuePartial(d.TempDir, job.File, job.Article) {
		return Result{Job: job, Outcome: OutcomeFinished}
	}

	handle := d.Pool.GetConnection(job.Level, job.WantServer, job.IgnoreServers)
	if handle == nil {
		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
		return Result{Job: job, Outcome: OutcomeConnectError, Err: errors.New("downloader: no connection available")}
	}

	sess, err := d.ensureSession(handle)
	if err != nil {
		d.Pool.ReleaseConnection(handle, false)
		return d.connectFailure(job, err)
	}

	if group := firstGroup(job.File.Groups); group != "" {
		if err := sess.JoinGroup(group); err != nil {
			d.closeSession(handle, sess)
			d.Pool.ReleaseConnection(handle, false)
			return d.connectFailure(job, err)
		}
	}

	res, err := sess.Article(job.Article.MessageID)
	if err != nil {
		d.closeSession(handle, sess)
		d.Pool.ReleaseConnection(handle, false)
		return d.connectFailure(job, err)
	}

	switch res.Class {
	case nntp.ClassConnectError:
		d.closeSession(handle, sess)
		d.Pool.ReleaseConnection(handle, false)
		return d.connectFailure(job, errors.New("downloader: connect-class response"))

	case nntp.ClassNotFound, nntp.ClassFailure:
		d.Pool.ReleaseConnection(handle, true)
		return d.escalateTier(job, OutcomeNotFound)
	}

	if !messageIDMatches(res.Status, job.Article.MessageID) {
		d.Pool.ReleaseConnection(handle, true)
		return d.escalateTier(job, OutcomeNotFound)
	}

	outcome, n, perr := d.fetchDecodePersist(sess, job)
	d.Pool.ReleaseConnection(handle, true)
	if outcome == OutcomeFinished {
		return Result{Job: job, Outcome: OutcomeFinished, Bytes: n}
	}
	if outcome == OutcomeCRCError {
		return d.escalateTier(job, OutcomeCRCError)
	}
	return Result{Job: job, Outcome: OutcomeFatal, Err: perr}
}

// connectFailure frees the job to retry on a different connection without
// debiting download_retries or advancing the tier, per spec.md §4.4: connect
// errors burn only the internal connect_retries budget.
func (d *Downloader) connectFailure(job *Job, err error) Result {
	job.connectRetries--
	if job.connectRetries <= 0 {
		return Result{Job: job, Outcome: OutcomeFatal, Err: errors.Wrap(err, "downloader: connect-retry budget exhausted")}
	}
	return Result{Job: job, Outcome: OutcomeConnectError, Err: err}
}

// escalateTier implements the tier-advance rule: level = (level+1) mod
// (maxLevel+1), debiting download_retries. The dispatch loop treats a
// zeroed budget as terminal.
func (d *Downloader) escalateTier(job *Job, base Outcome) Result {
	job.Level = (job.Level + 1) % (d.MaxLevel + 1)
	job.downloadRetries--
	return Result{Job: job, Outcome: base}
}

func firstGroup(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return groups[0]
}

// jobOwner returns the Job's owning NzbInfo, or nil for test fixtures that
// construct a File without attaching it to a Job.
func jobOwner(job *Job) *queue.NzbInfo {
	if job == nil || job.File == nil {
		return nil
	}
	return job.File.Job
}

// messageIDMatches checks the id echoed on the ARTICLE status line
// ("220 <n> <msgid> article retrieved") against the one requested.
func messageIDMatches(statusLine, wantID string) bool {
	fields := strings.Fields(statusLine)
	if len(fields) < 3 {
		return true // server omitted the echoed id: nothing to check
	}
	return strings.HasPrefix(fields[2], wantID)
}

// fetchDecodePersist streams the article body, decoding it with whichever
// codec the first body line identifies, throttling between reads, and
// persisting per the raw/direct-write/join rules of spec.md §4.4.
func (d *Downloader) fetchDecodePersist(sess *nntp.Session, job *Job) (Outcome, int, error) {
	first, more, err := sess.ReadBodyLine()
	if err != nil {
		return OutcomeFatal, 0, err
	}
	if !more {
		return OutcomeNotFound, 0, errors.New("downloader: empty body")
	}

	var uu bool
	if bytes.HasPrefix(first, []byte("begin ")) {
		uu = true
	}

	var res decode.Result
	var payload []byte

	if uu {
		dec := decode.NewUUDecoder(d.CrcCheck)
		_, _ = dec.FeedLine(first)
		for {
			d.Throttle.WaitTurn(nil)
			line, more, err := sess.ReadBodyLine()
			if err != nil {
				return OutcomeFatal, 0, err
			}
			if !more {
				break
			}
			_, _ = dec.FeedLine(line)
		}
		res = dec.Close()
		payload = dec.Bytes()
	} else {
		dec := decode.NewYEncDecoder(d.CrcCheck)
		_, _ = dec.FeedLine(first)
		for {
			d.Throttle.WaitTurn(nil)
			line, more, err := sess.ReadBodyLine()
			if err != nil {
				return OutcomeFatal, 0, err
			}
			if !more {
				break
			}
			_, _ = dec.FeedLine(line)
		}
		res = dec.Close()
		payload = dec.Bytes()
	}

	switch {
	case res.CRCError:
		return OutcomeCRCError, 0, errors.New("downloader: crc mismatch")
	case res.ArticleIncomplete, res.NoBinaryData, res.InvalidSize:
		return OutcomeNotFound, 0, errors.New("downloader: article malformed")
	}

	if !d.Decode {
		path := ArticleTempPath(d.TempDir, job.File, job.Article)
		if err := WriteTemp(path, payload); err != nil {
			return OutcomeFatal, 0, err
		}
		job.Article.ResultFilename = path
		return OutcomeFinished, len(payload), nil
	}

	if d.DirectWrite {
		out := filepath.Join(d.TempDir, job.File.DirectFilename)
		if err := WriteDirect(out, d.TempDir, job.File, job.Article, payload); err != nil {
			return OutcomeFatal, 0, err
		}
		return OutcomeFinished, len(payload), nil
	}

	path := ArticleTempPath(d.TempDir, job.File, job.Article)
	if err := WriteTemp(path, payload); err != nil {
		return OutcomeFatal, 0, err
	}
	job.Article.ResultFilename = path
	return OutcomeFinished, len(payload), nil
}

// ensureSession returns a connected Session for handle, dialing lazily on
// first use and caching the Session against the underlying
// PooledConnection for reuse across articles.
func (d *Downloader) ensureSession(handle *server.ConnHandle) (*nntp.Session, error) {
	conn := handle.Conn()
	d.sessMu.Lock()
	if s, ok := d.sess[conn]; ok && conn.State() == server.StateConnected {
		d.sessMu.Unlock()
		return s, nil
	}
	d.sessMu.Unlock()

	nc, err := d.Dial(handle.Server())
	if err != nil {
		d.Pool.BlockServer(handle.Server())
		return nil, errors.Wrap(err, "downloader: dial")
	}
	sess := nntp.NewSession(nc, handle.Server().Username, handle.Server().Password)
	if err := sess.Connect(); err != nil {
		_ = nc.Close()
		d.Pool.BlockServer(handle.Server())
		return nil, errors.Wrap(err, "downloader: connect")
	}

	d.sessMu.Lock()
	d.sess[conn] = sess
	d.sessMu.Unlock()
	conn.SetState(server.StateConnected)
	conn.Conn = nc
	return sess, nil
}

func (d *Downloader) closeSession(handle *server.ConnHandle, sess *nntp.Session) {
	d.sessMu.Lock()
	delete(d.sess, handle.Conn())
	d.sessMu.Unlock()
	sess.Disconnect()
	handle.Conn().SetState(server.StateDisconnected)
}
