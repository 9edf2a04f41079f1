package executor

import (
	"context"
	"sync"

	"github.com/bamsammich/kopy/internal/model"
)

// ExecuteParallel dispatches actions across two lanes: small files (below
// smallLargeThreshold) run concurrently across threads-1 workers, while
// large files are serialized onto a single worker so one big transfer
// doesn't starve bandwidth or disk seeks for everything else. Conflicts
// always run on the small lane since they're cheap.
//
// Deletes run as a second, separate wave only after every copy/overwrite
// action has completed: the two lanes above run concurrently with each
// other but have no ordering relative to deletes, and a delete racing a
// copy into the same directory would violate the copy-before-delete
// ordering the diff engine's plan assumes. Draining all non-delete work
// first — rather than tracking per-directory completion — is the simplest
// implementation that still satisfies that ordering.
func ExecuteParallel(ctx context.Context, actions []model.SyncAction, cfg Config) *Summary {
	threads := cfg.Threads
	if threads < 2 {
		return ExecuteSequential(ctx, actions, cfg)
	}

	ec := newExecContext(cfg)
	summary := &Summary{}
	var mu sync.Mutex

	merge := func(local *Summary) {
		mu.Lock()
		defer mu.Unlock()
		summary.CopyCount += local.CopyCount
		summary.OverwriteCount += local.OverwriteCount
		summary.DeleteCount += local.DeleteCount
		summary.SkipCount += local.SkipCount
		summary.BytesTransferred += local.BytesTransferred
		summary.BytesSkipped += local.BytesSkipped
		summary.BytesTrashed += local.BytesTrashed
		summary.Errors = append(summary.Errors, local.Errors...)
	}

	smallWorkers := threads - 1
	if smallWorkers < 1 {
		smallWorkers = 1
	}

	copyWave, deleteWave := splitDeletes(actions)
	runWave(ctx, ec, copyWave, smallWorkers, merge)
	runWave(ctx, ec, deleteWave, smallWorkers, merge)

	return summary
}

// runWave dispatches one batch of actions across the small/large lanes and
// blocks until every action in the batch has been applied.
func runWave(ctx context.Context, ec *execContext, actions []model.SyncAction, smallWorkers int, merge func(*Summary)) {
	if len(actions) == 0 {
		return
	}

	smallLane, largeLane := routeActions(actions)

	var wg sync.WaitGroup

	smallQueue := make(chan model.SyncAction)
	wg.Add(smallWorkers)
	for i := 0; i < smallWorkers; i++ {
		go func() {
			defer wg.Done()
			local := &Summary{}
			for a := range smallQueue {
				if ctx.Err() != nil {
					continue
				}
				applyAction(ctx, ec, a, local)
			}
			merge(local)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		local := &Summary{}
		for _, a := range largeLane {
			if ctx.Err() != nil {
				break
			}
			applyAction(ctx, ec, a, local)
		}
		merge(local)
	}()

	for _, a := range smallLane {
		if ctx.Err() != nil {
			break
		}
		smallQueue <- a
	}
	close(smallQueue)

	wg.Wait()
}

// splitDeletes separates Delete actions from everything else so the caller
// can run them as two ordered waves.
func splitDeletes(actions []model.SyncAction) (copies, deletes []model.SyncAction) {
	for _, a := range actions {
		if a.Kind == model.ActionDelete {
			deletes = append(deletes, a)
			continue
		}
		copies = append(copies, a)
	}
	return copies, deletes
}

// routeActions splits a plan into the small-file/cheap-action lane and the
// large-file lane based on smallLargeThreshold. Deletes and conflicts always
// go to the small lane.
func routeActions(actions []model.SyncAction) (small, large []model.SyncAction) {
	for _, a := range actions {
		if isLargeCopy(a) {
			large = append(large, a)
			continue
		}
		small = append(small, a)
	}
	return small, large
}

func isLargeCopy(a model.SyncAction) bool {
	if a.Kind != model.ActionCopyNew && a.Kind != model.ActionOverwrite {
		return false
	}
	if a.Entry == nil {
		return false
	}
	return a.Entry.Size >= smallLargeThreshold
}
