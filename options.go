package ferrokv

import (
	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/rs/zerolog"
)

// Options configures Open. The zero value is usable: it selects a 4KiB
// page size, lexicographic key ordering, checkpointing after every commit,
// and a disabled (no-op) logger.
type Options struct {
	// PageSize is the data file's page size in bytes. Ignored when
	// reopening an existing file, whose own page size always wins.
	PageSize int

	// ReadOnly opens the database without acquiring the writer lock; any
	// call to Update returns ErrReadOnly.
	ReadOnly bool

	// Comparator orders keys within every bucket opened through this
	// handle. Defaults to lexicographic byte order.
	Comparator btree.Comparator

	// CheckpointInterval is the number of committed write transactions
	// between WAL checkpoints (truncations). 1 checkpoints every commit;
	// larger values trade a larger WAL for fewer truncate+fsync pairs.
	CheckpointInterval int

	// Logger receives structured events for transactions, recovery, and
	// checkpoints. Defaults to a disabled (no-op) logger.
	Logger zerolog.Logger

	// Metrics, when non-nil, is updated with page/transaction/WAL
	// counters. Construct one with ferrokv.NewMetrics.
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Comparator == nil {
		o.Comparator = btree.LexCompare
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = 1
	}
	return o
}

// DefaultPageSize is used for a brand new database when Options.PageSize
// is unset.
const DefaultPageSize = 4096
