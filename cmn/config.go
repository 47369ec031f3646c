// Package cmn holds the ambient stack shared across every package in this
// module: global config ownership, id generation, and the small set of
// cross-cutting constants the original nzbget Options.cpp exposed.
package cmn

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Config is the single in-memory configuration snapshot. It is loaded once
// at startup and swapped atomically via GCO; no component ever mutates a
// live Config in place.
type Config struct {
	Dirs    DirsConf
	Servers []ServerConf
	Timeout TimeoutConf
	Down    DownloadConf
	Par     ParConf
	Unpack  UnpackConf
	Post    PostConf
	Quota   QuotaConf
}

type DirsConf struct {
	TempDir   string
	QueueDir  string
	NzbDir    string
	DestDir   string
	InterDir  string
	ScriptDir string
	WebDir    string
}

type ServerConf struct {
	ID             int
	Active         bool
	Name           string
	Host           string
	Port           int
	IPVersion      int // 0=auto, 4, 6
	Username       string
	Password       string
	JoinGroup      bool
	TLS            bool
	Cipher         string
	MaxConnections int
	RetentionDays  int
	Level          int // raw, user-supplied
	Group          int
	Optional       bool
}

type TimeoutConf struct {
	ConnectionSeconds int
	ArticleSeconds    int
	URLSeconds        int
	TerminateSeconds  int
	RetryIntervalSec  int
	HoldSeconds       int // pool idle-hold timeout, ~5s per spec.md §4.1
}

type DownloadConf struct {
	Decode          bool
	DirectWrite     bool
	ContinuePartial bool
	Retries         int
	RawArticleRetry int // internal connect-retry budget
	Rate            int64 // bytes/sec, 0 = unlimited
	CrcCheck        bool
}

type ParConf struct {
	ParCheck  bool // false when set to "no" or "manual", true otherwise
	ParRepair bool
	ParScan   string // extended | full
	ParBuffer int
	ParThreads int
}

type UnpackConf struct {
	Unpack       bool
	UnrarPath    string
	SevenZipPath string
	PasswordFile string
	DirectUnpack bool
}

type PostConf struct {
	Strategy          string // sequential | balanced | aggressive | rocket
	ParPauseQueue      bool
	UnpackPauseQueue   bool
	ScriptPauseQueue   bool
	PausePostProcess   bool
	HealthCheck        string // pause | delete | park | none
	HealthCritical     float64
}

type QuotaConf struct {
	DailyMiB   int64
	MonthlyMiB int64
	StartDay   int // day-of-month quota window resets on
}

// gco is the global config owner: an atomically-swappable pointer to the
// current Config, modeled on aistore's cmn.GCO.
var gco atomic.Pointer[Config]

// PutConfig installs a new, immutable Config snapshot.
func PutConfig(c *Config) { gco.Store(c) }

// GetConfig returns the current Config snapshot. Never nil once PutConfig
// has been called at startup.
func GetConfig() *Config { return gco.Load() }

// DefaultConfig returns a Config with the same defaults nzbget's
// Options.cpp ships (trimmed to what this core consumes).
func DefaultConfig() *Config {
	return &Config{
		Timeout: TimeoutConf{
			ConnectionSeconds: 60,
			ArticleSeconds:    90,
			URLSeconds:        60,
			TerminateSeconds:  5,
			RetryIntervalSec:  60,
			HoldSeconds:       5,
		},
		Down: DownloadConf{
			Decode:          true,
			ContinuePartial: true,
			Retries:         3,
			RawArticleRetry: 3,
			CrcCheck:        true,
		},
		Par: ParConf{
			ParCheck:  true,
			ParRepair: true,
			ParScan:   "extended",
			ParThreads: 0, // 0 => runtime.NumCPU()
		},
		Post: PostConf{
			Strategy:       "balanced",
			HealthCheck:    "pause",
			HealthCritical: 0,
		},
		Quota: QuotaConf{
			StartDay: 1,
		},
	}
}

// LoadINI parses a flat nzbget-style "Key=Value" config file into dst,
// overwriting only the fields this core understands. Unknown keys (the
// many frontend/RPC/UI options the original Options.cpp also accepts) are
// ignored rather than rejected, since this core is deliberately a subset.
//
// No ecosystem INI library is wired anywhere in the retrieval pack (see
// DESIGN.md), and the grammar is a handful of "key = value" lines, so this
// stays on bufio/strconv rather than inventing a dependency for it.
func LoadINI(path string, dst *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		applyKey(dst, key, val)
	}
	return sc.Err()
}

func applyKey(c *Config, key, val string) {
	switch key {
	case "MainDir":
		c.Dirs.TempDir = val
	case "DestDir":
		c.Dirs.DestDir = val
	case "InterDir":
		c.Dirs.InterDir = val
	case "NzbDir":
		c.Dirs.NzbDir = val
	case "QueueDir":
		c.Dirs.QueueDir = val
	case "ScriptDir":
		c.Dirs.ScriptDir = val
	case "WebDir":
		c.Dirs.WebDir = val
	case "ArticleTimeout":
		c.Timeout.ArticleSeconds = atoiOr(val, c.Timeout.ArticleSeconds)
	case "ConnectionTimeout":
		c.Timeout.ConnectionSeconds = atoiOr(val, c.Timeout.ConnectionSeconds)
	case "TerminateTimeout":
		c.Timeout.TerminateSeconds = atoiOr(val, c.Timeout.TerminateSeconds)
	case "UrlTimeout":
		c.Timeout.URLSeconds = atoiOr(val, c.Timeout.URLSeconds)
	case "Decode":
		c.Down.Decode = isYes(val)
	case "DirectWrite":
		c.Down.DirectWrite = isYes(val)
	case "ContinuePartial":
		c.Down.ContinuePartial = isYes(val)
	case "Retries":
		c.Down.Retries = atoiOr(val, c.Down.Retries)
	case "DownloadRate":
		c.Down.Rate = int64(atoiOr(val, int(c.Down.Rate)))
	case "CrcCheck":
		c.Down.CrcCheck = isYes(val)
	case "ParCheck":
		c.Par.ParCheck = val != "no" && val != "manual"
	case "ParRepair":
		c.Par.ParRepair = isYes(val)
	case "ParScan":
		c.Par.ParScan = val
	case "ParThreads":
		c.Par.ParThreads = atoiOr(val, c.Par.ParThreads)
	case "Unpack":
		c.Unpack.Unpack = isYes(val)
	case "UnrarCmd":
		c.Unpack.UnrarPath = val
	case "SevenZipCmd":
		c.Unpack.SevenZipPath = val
	case "UnpackPassFile":
		c.Unpack.PasswordFile = val
	case "DirectUnpack":
		c.Unpack.DirectUnpack = isYes(val)
	case "PostStrategy":
		c.Post.Strategy = val
	case "ParPauseQueue":
		c.Post.ParPauseQueue = isYes(val)
	case "UnpackPauseQueue":
		c.Post.UnpackPauseQueue = isYes(val)
	case "ScriptPauseQueue":
		c.Post.ScriptPauseQueue = isYes(val)
	case "PausePostProcess":
		c.Post.PausePostProcess = isYes(val)
	case "HealthCheck":
		c.Post.HealthCheck = val
	case "DailyQuota":
		c.Quota.DailyMiB = int64(atoiOr(val, int(c.Quota.DailyMiB)))
	case "MonthlyQuota":
		c.Quota.MonthlyMiB = int64(atoiOr(val, int(c.Quota.MonthlyMiB)))
	case "QuotaStartDay":
		c.Quota.StartDay = atoiOr(val, c.Quota.StartDay)
	}
}

func isYes(v string) bool {
	return strings.EqualFold(v, "yes") || strings.EqualFold(v, "true") || v == "1"
}

func atoiOr(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
