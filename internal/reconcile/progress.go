package reconcile

import (
	"sync/atomic"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// Progress tracks cumulative engine counters across batches. Counters
// are atomic so monitoring can snapshot them while a batch is running.
type Progress struct {
	batches     atomic.Int64
	inserted    atomic.Int64
	updated     atomic.Int64
	duplicates  atomic.Int64
	errored     atomic.Int64
	restored    atomic.Int64
	softDeleted atomic.Int64
}

// ProgressSnapshot is a point-in-time copy of the counters.
type ProgressSnapshot struct {
	Batches     int64 `json:"batches"`
	Inserted    int64 `json:"inserted"`
	Updated     int64 `json:"updated"`
	Duplicates  int64 `json:"duplicates"`
	Errored     int64 `json:"errored"`
	Restored    int64 `json:"restored"`
	SoftDeleted int64 `json:"soft_deleted"`
}

func (p *Progress) recordBatch(res *model.BatchResult) {
	p.batches.Add(1)
	p.inserted.Add(int64(res.Imported))
	p.updated.Add(int64(res.Updated))
	p.duplicates.Add(int64(res.Duplicates))
	p.errored.Add(int64(res.Errors))
	p.restored.Add(int64(res.Restored))
}

func (p *Progress) recordSoftDeletes(n int) {
	p.softDeleted.Add(int64(n))
}

func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Batches:     p.batches.Load(),
		Inserted:    p.inserted.Load(),
		Updated:     p.updated.Load(),
		Duplicates:  p.duplicates.Load(),
		Errored:     p.errored.Load(),
		Restored:    p.restored.Load(),
		SoftDeleted: p.softDeleted.Load(),
	}
}
