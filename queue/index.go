package queue

import (
	"strconv"

	"github.com/OneOfOne/xxhash"
	"github.com/tidwall/buntdb"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

// dupeKeySeed seeds the dupe-key digest the same way aistore seeds its
// xxhash.ChecksumString64S calls (cluster/map.go): a fixed non-zero seed so
// the digest is stable across process restarts and versions of the library.
const dupeKeySeed = 0x93d765dd

// Index is a queryable secondary index over the job list, backed by an
// in-memory buntdb database so dupe-key lookups (FindByDupeKey) don't
// require a linear scan of Coordinator.jobs. Job names are stored too, but
// no lookup by name is provided. The Coordinator's jobs slice remains the
// source of truth; Index only ever caches derived keys.
type Index struct {
	db *buntdb.DB
}

func NewIndex() *Index {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		// :memory: never fails in practice; keep the index best-effort so a
		// platform quirk here can't take the whole queue down.
		nlog.Errorf("queue: open index: %v", err)
		return &Index{}
	}
	return &Index{db: db}
}

func jobKey(id int64) string { return "job:" + strconv.FormatInt(id, 10) }

// dupeHashKey buckets dupe-key entries under their xxhash digest so
// FindByDupeKey can range a single bucket instead of scanning every job's
// raw key string.
func dupeHashKey(hash uint64, id int64) string {
	return "dupehash:" + strconv.FormatUint(hash, 16) + ":" + strconv.FormatInt(id, 10)
}

func hashDupeKey(dupeKey string) uint64 {
	return xxhash.ChecksumString64S(dupeKey, dupeKeySeed)
}

// Put (re)indexes a job's name and dupe key. A stale dupe-hash bucket entry
// from a previous DupeKey value (e.g. after ActionSetDupeKey) is dropped
// before the new one is written.
func (idx *Index) Put(j *NzbInfo) {
	if idx.db == nil {
		return
	}
	_ = idx.db.Update(func(tx *buntdb.Tx) error {
		if prev, err := tx.Get(jobKey(j.ID) + ":dupekey"); err == nil && prev != "" && prev != j.DupeKey {
			_, _ = tx.Delete(dupeHashKey(hashDupeKey(prev), j.ID))
		}
		_, _, err := tx.Set(jobKey(j.ID)+":name", j.Name, nil)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(jobKey(j.ID)+":dupekey", j.DupeKey, nil)
		if err != nil {
			return err
		}
		if j.DupeKey != "" {
			_, _, err = tx.Set(dupeHashKey(hashDupeKey(j.DupeKey), j.ID), j.DupeKey, nil)
		}
		return err
	})
}

func (idx *Index) Remove(j *NzbInfo) {
	if idx.db == nil {
		return
	}
	_ = idx.db.Update(func(tx *buntdb.Tx) error {
		_, _ = tx.Delete(jobKey(j.ID) + ":name")
		_, _ = tx.Delete(jobKey(j.ID) + ":dupekey")
		if j.DupeKey != "" {
			_, _ = tx.Delete(dupeHashKey(hashDupeKey(j.DupeKey), j.ID))
		}
		return nil
	})
}

// FindByDupeKey returns job ids indexed under dupeKey. Candidates are
// gathered by ranging the xxhash bucket for dupeKey rather than scanning
// every job's raw key string; the stored value is still compared for
// equality to rule out the rare hash collision.
func (idx *Index) FindByDupeKey(dupeKey string) []int64 {
	if idx.db == nil || dupeKey == "" {
		return nil
	}
	prefix := "dupehash:" + strconv.FormatUint(hashDupeKey(dupeKey), 16) + ":"
	var ids []int64
	_ = idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if value != dupeKey {
				return true
			}
			idStr := key[len(prefix):]
			if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
				ids = append(ids, id)
			}
			return true
		})
	})
	return ids
}
