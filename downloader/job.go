// Package downloader implements the per-article worker state machine
// (spec.md §4.4): acquire a pooled connection, connect, fetch, decode and
// persist one article, retrying and escalating tiers on failure within two
// independent retry budgets.
package downloader

import (
	"github.com/nzbget/nzbget-sub003/queue"
	"github.com/nzbget/nzbget-sub003/server"
)

// Outcome classifies how one article attempt ended, driving both the
// retry-budget bookkeeping and the queue-visible ArticleStatus transition.
type Outcome int

const (
	OutcomeFinished Outcome = iota
	OutcomeConnectError // free the connection, retry without consuming the tier budget
	OutcomeNotFound
	OutcomeCRCError
	OutcomePause // pauseDownload was set; yields "retry" without consuming a retry
	OutcomeFatal
)

// Job is one unit of work handed to a worker: download one Article that
// belongs to File, trying tier Level first.
type Job struct {
	File    *queue.FileInfo
	Article *queue.ArticleInfo
	Level   int

	WantServer    *server.NewsServer
	IgnoreServers []*server.NewsServer

	downloadRetries int // user-configured budget, debited only on tier escalation
	connectRetries  int // internal budget, not debited by article errors; a failed GROUP join goes through connectFailure and does debit it
}

// Result is what a worker reports back to the dispatch loop.
type Result struct {
	Job     *Job
	Outcome Outcome
	Err     error
	Bytes   int
}

// NewJob starts a fresh retry-budget Job for article a of file f.
func NewJob(f *queue.FileInfo, a *queue.ArticleInfo, downloadRetryBudget, connectRetryBudget int) *Job {
	return &Job{File: f, Article: a, Level: 0, downloadRetries: downloadRetryBudget, connectRetries: connectRetryBudget}
}
