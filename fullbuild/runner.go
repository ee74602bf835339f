package fullbuild

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/drpcorg/kvindex/store"
	"github.com/drpcorg/kvindex/utils"
)

type RunOptions struct {
	// Partitions is the number of scan partitions, one worker each.
	Partitions int
	// Parallelism bounds the workers running at once.
	Parallelism int
	// Retries is how many times a failed partition is run again.
	Retries int
	Logger  utils.Logger
}

func (o *RunOptions) SetDefaults() {
	if o.Partitions <= 0 {
		o.Partitions = 4
	}
	if o.Parallelism <= 0 {
		o.Parallelism = o.Partitions
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Logger == nil {
		o.Logger = utils.NewDiscardLogger()
	}
}

// RunLocal rebuilds the index over all records of db, one worker per
// partition. A failed partition is rerun from its start up to Retries
// times; records indexed by an earlier attempt are indexed again. Stats
// count the last attempt of each partition.
func RunLocal(ctx context.Context, conf *JobConf, db *store.DB, opts RunOptions) (Stats, error) {
	opts.SetDefaults()
	records := db.Records()
	parts, err := records.Split(opts.Partitions)
	if err != nil {
		return Stats{}, err
	}

	// fail on configuration before scanning anything
	first, err := Setup(conf, opts.Logger)
	if err != nil {
		return Stats{}, err
	}
	if err := first.Close(); err != nil {
		return Stats{}, err
	}

	var (
		mu    sync.Mutex
		total Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for _, p := range parts {
		g.Go(func() error {
			stats, err := runWithRetries(gctx, conf, records, p, opts)
			mu.Lock()
			total.add(stats)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return total, err
}

func runWithRetries(ctx context.Context, conf *JobConf, records *store.RecordStore, p store.Partition, opts RunOptions) (Stats, error) {
	var (
		stats Stats
		err   error
	)
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if ctx.Err() != nil {
			return stats, errors.Wrapf(ctx.Err(), "partition %s", p)
		}
		if attempt > 0 {
			opts.Logger.WarnCtx(ctx, "retrying partition", "partition", p.Index, "attempt", attempt, "err", err)
		}
		stats, err = runOnce(ctx, conf, records, p, opts.Logger)
		if err == nil {
			return stats, nil
		}
	}
	return stats, err
}

func runOnce(ctx context.Context, conf *JobConf, records *store.RecordStore, p store.Partition, log utils.Logger) (Stats, error) {
	w, err := Setup(conf, log)
	if err != nil {
		return Stats{}, err
	}
	stats, err := w.RunPartition(ctx, records, p)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return stats, err
}
