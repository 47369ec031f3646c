package cmn

import (
	"math/rand"
	"sync"

	"github.com/teris-io/shortid"
	"go.uber.org/atomic"
)

// Alphabet for generating ids similar to shortid.DEFAULT_ABC, reshuffled so
// that Job/File/Article ids never collide with anything the teacher's own
// shortid-based ids could have produced.
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid      *shortid.Shortid
	sidOnce  sync.Once
	rtie     atomic.Int32
)

// InitIDs seeds the id generator. Call once at startup with a value derived
// from the node's persisted identity (or time, for a fresh install); any
// call to GenID before InitIDs falls back to a fixed seed so callers (tests
// included) never need to remember to initialize it explicitly.
func InitIDs(seed uint64) {
	sidOnce.Do(func() {})
	sid = shortid.MustNew(4 /*worker*/, idABC, seed)
}

// GenID returns a short, human-readable, collision-resistant id; it
// supplies each Job's UID (NzbInfo.UID).
func GenID() string {
	sidOnce.Do(func() {
		if sid == nil {
			sid = shortid.MustNew(4, idABC, 1)
		}
	})
	id := sid.MustGenerate()
	if !isAlpha(id[0]) {
		id = string(rune('A'+rand.Int()%26)) + id
	}
	return id
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// GenTie returns a short, monotonically-varying tiebreaker used to make
// temp-file names unique within the same process (article temp files,
// jsp save-tmp files).
func GenTie() string {
	tie := rtie.Add(1)
	b0 := idABC[tie&0x3f]
	b1 := idABC[-tie&0x3f]
	b2 := idABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
