// Package debug provides cheap, strippable-by-convention assertions used at
// invariant boundaries (queue lock held, article state transitions, pool
// bookkeeping). Mirrors aistore's cmn/debug in spirit: assertions that
// document an invariant rather than handle an expected failure.
package debug

import "github.com/nzbget/nzbget-sub003/cmn/nlog"

// Assert panics with msg when cond is false. Used only for conditions that
// indicate a programming error (broken invariant), never for data coming
// from the network or disk.
func Assert(cond bool, msg string) {
	if !cond {
		nlog.Fatalf("assertion failed: %s", msg)
	}
}

func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		nlog.Fatalf("assertion failed: "+format, args...)
	}
}
