package merge

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/types"
)

// DefaultWorkers bounds MergeAll concurrency when the caller passes <= 0.
const DefaultWorkers = 4

// Triple is one record's three versions. Base is nil for records created
// independently on both sides.
type Triple struct {
	ID     string
	Base   *types.Issue
	Local  *types.Issue
	Remote *types.Issue
}

// Batch collects the outcome of a MergeAll pass.
type Batch struct {
	Results  map[string]*Result
	Failures map[string]error
}

// Conflicts returns every conflict in the batch.
func (b *Batch) Conflicts() []types.AtticEntry {
	var out []types.AtticEntry
	for _, r := range b.Results {
		out = append(out, r.Conflicts...)
	}
	return out
}

// MergeAll merges independent records concurrently. A record that fails to
// merge is reported in Failures and does not stop the others. The returned
// error is non-nil only when ctx is cancelled; records merged before that
// remain in the batch.
func (m *Merger) MergeAll(ctx context.Context, triples []Triple, workers int) (*Batch, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	batch := &Batch{
		Results:  make(map[string]*Result, len(triples)),
		Failures: make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, tr := range triples {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := m.Merge(tr.Base, tr.Local, tr.Remote)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				debug.Logf("merge: %s failed: %v\n", tr.ID, err)
				batch.Failures[tr.ID] = err
				return nil
			}
			if len(res.Conflicts) > 0 {
				debug.Logf("merge: %s resolved with %d conflict(s)\n", tr.ID, len(res.Conflicts))
			}
			batch.Results[tr.ID] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batch, err
	}
	return batch, ctx.Err()
}

// MergeMappings three-way merges a flat key/value mapping file. Keys added on
// either side are kept; a key removed on one side and untouched on the other
// is removed; a key changed on both sides keeps the local value.
func MergeMappings(base, local, remote map[string]string) map[string]string {
	out := make(map[string]string, len(local)+len(remote))
	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	for k := range keys {
		bv, inBase := base[k]
		lv, inLocal := local[k]
		rv, inRemote := remote[k]

		switch {
		case inLocal && inRemote:
			if lv == bv && inBase {
				out[k] = rv
			} else {
				out[k] = lv
			}
		case inLocal:
			// Remote removed it; keep only if local changed it.
			if !inBase || lv != bv {
				out[k] = lv
			}
		case inRemote:
			if !inBase || rv != bv {
				out[k] = rv
			}
		}
	}
	return out
}
