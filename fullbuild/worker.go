// Package fullbuild rebuilds an index from every record of a source store:
// each record is locked, indexed, dispatched to its shards and unlocked.
package fullbuild

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/kvindex/dispatch"
	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/lock"
	"github.com/drpcorg/kvindex/rules"
	"github.com/drpcorg/kvindex/schema"
	"github.com/drpcorg/kvindex/shard"
	"github.com/drpcorg/kvindex/store"
	"github.com/drpcorg/kvindex/utils"
)

// Rules computes the index entries of a record.
type Rules interface {
	Schema() *schema.Schema
	Entries(ctx context.Context, rec store.Record) ([]schema.Entry, error)
}

// Sender delivers the entries of a record to their shards.
type Sender interface {
	Dispatch(ctx context.Context, recordID []byte, entries []schema.Entry) error
	Close() error
}

// State is how far a record got through the rebuild.
type State int

const (
	Scanned State = iota
	Locked
	Indexed
	Dispatched
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Scanned:
		return "scanned"
	case Locked:
		return "locked"
	case Indexed:
		return "indexed"
	case Dispatched:
		return "dispatched"
	case Done:
		return "done"
	default:
		return "failed"
	}
}

// RecordResult describes one processed record. FailedIn is the last state
// reached before a failure.
type RecordResult struct {
	ID       []byte
	State    State
	FailedIn State
	Entries  int
	Release  lock.ReleaseOutcome
	Err      error
}

// Worker processes records of one partition at a time. Workers share
// nothing but the lock backend.
type Worker struct {
	conf    *JobConf
	locker  *lock.Locker
	rules   Rules
	routing *shard.Holder
	sender  Sender
	log     utils.Logger
}

// Setup connects a worker from the job configuration. Configuration errors,
// including a sharding rule naming an unknown shard, fail here before any
// record is touched.
func Setup(conf *JobConf, log utils.Logger) (*Worker, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	r, err := rules.Parse(conf.IndexerConf)
	if err != nil {
		return nil, err
	}
	routing, err := shard.NewRouting(conf.Shards, conf.ShardingConf)
	if err != nil {
		return nil, err
	}
	backend, err := lock.Open(conf.Connect)
	if err != nil {
		return nil, err
	}
	locker := lock.New(backend, lock.Options{
		SessionTimeout: conf.SessionTimeout,
		AcquireTimeout: conf.AcquireTimeout,
		Logger:         log,
	})
	holder := shard.NewHolder(routing)
	pool := dispatch.NewPool(conf.Pool)
	return NewWorker(conf, locker, r, holder, dispatch.New(holder, r.Schema(), pool, log), log), nil
}

// NewWorker assembles a worker from ready parts.
func NewWorker(conf *JobConf, locker *lock.Locker, r Rules, routing *shard.Holder, sender Sender, log utils.Logger) *Worker {
	return &Worker{
		conf:    conf,
		locker:  locker,
		rules:   r,
		routing: routing,
		sender:  sender,
		log:     log,
	}
}

func (w *Worker) Index() string { return w.rules.Schema().Name() }

// Routing is the shard routing the worker dispatches with; Swap on it
// reroutes records processed afterwards.
func (w *Worker) Routing() *shard.Holder { return w.routing }

// Close drops the lock backend connection and idle dispatch connections.
func (w *Worker) Close() error {
	sendErr := w.sender.Close()
	lockErr := w.locker.Close()
	if sendErr != nil {
		return errors.Wrap(sendErr, "close dispatcher")
	}
	return errors.Wrap(lockErr, "close lock backend")
}

// IndexRecord runs lock, index, dispatch and unlock for one record. The lock
// is released whatever happened after it was taken, and a failed release
// never fails the record.
func (w *Worker) IndexRecord(ctx context.Context, rec store.Record) (res RecordResult) {
	start := time.Now()
	ctx = utils.WithDefaultArgs(ctx, "record", string(rec.ID))
	res = RecordResult{ID: rec.ID, State: Scanned}
	defer func() {
		result, state := "success", res.State
		if res.Err != nil {
			result = "error"
			res.FailedIn, res.State = res.State, Failed
		}
		RecordResults.WithLabelValues(w.Index(), result, state.String()).Inc()
		RecordDuration.WithLabelValues(w.Index()).Observe(time.Since(start).Seconds())
	}()

	token, err := w.locker.Acquire(ctx, rec.ID)
	if err != nil {
		res.Err = err
		return res
	}
	res.State = Locked
	defer func() {
		res.Release = w.locker.Release(ctx, token)
		if res.Err == nil {
			res.State = Done
		}
	}()

	entries, err := w.rules.Entries(ctx, rec)
	if err != nil {
		res.Err = err
		return res
	}
	res.State, res.Entries = Indexed, len(entries)

	if token.Lost() {
		res.Err = fmt.Errorf("%w: lock of record %q expired while indexing", index_errors.ErrLockUnavailable, rec.ID)
		return res
	}
	if err := w.sender.Dispatch(ctx, rec.ID, entries); err != nil {
		res.Err = err
		return res
	}
	res.State = Dispatched
	w.log.DebugCtx(ctx, "record indexed", "entries", len(entries))
	return res
}

// Stats counts the records of a partition run.
type Stats struct {
	Records int
	Done    int
	Failed  int
	Entries int
	// ReleaseFailures counts records whose lock was left to expire.
	ReleaseFailures int
}

func (s *Stats) add(o Stats) {
	s.Records += o.Records
	s.Done += o.Done
	s.Failed += o.Failed
	s.Entries += o.Entries
	s.ReleaseFailures += o.ReleaseFailures
}

// RunPartition indexes every record of p. Under FailFast the first failed
// record ends the run with an error naming it; under BestEffort failed
// records are logged and skipped. A canceled ctx always ends the run.
func (w *Worker) RunPartition(ctx context.Context, records *store.RecordStore, p store.Partition) (Stats, error) {
	ctx = utils.WithDefaultArgs(ctx, "index", w.Index(), "partition", p.Index)
	ActiveWorkers.WithLabelValues(w.Index()).Inc()
	defer ActiveWorkers.WithLabelValues(w.Index()).Dec()

	var stats Stats
	err := w.runPartition(ctx, records, p, &stats)
	result := "success"
	if err != nil {
		result = "error"
		w.log.ErrorCtx(ctx, "partition failed", "err", err, "done", stats.Done, "failed", stats.Failed)
	} else {
		w.log.InfoCtx(ctx, "partition done", "records", stats.Records, "failed", stats.Failed, "entries", stats.Entries)
	}
	PartitionResults.WithLabelValues(w.Index(), result).Inc()
	return stats, err
}

func (w *Worker) runPartition(ctx context.Context, records *store.RecordStore, p store.Partition, stats *Stats) error {
	for rec, err := range records.Scan(ctx, p) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "partition %s", p)
		}
		stats.Records++
		res := RecordResult{ID: rec.ID, Err: err}
		if err == nil {
			res = w.IndexRecord(ctx, rec)
		} else {
			RecordResults.WithLabelValues(w.Index(), "error", Scanned.String()).Inc()
		}
		if res.Release == lock.ReleaseFailedButIgnored {
			stats.ReleaseFailures++
		}
		if res.Err == nil {
			stats.Done++
			stats.Entries += res.Entries
			continue
		}
		stats.Failed++
		if w.conf.FailurePolicy == FailFast {
			return errors.Wrapf(res.Err, "partition %s: record %q", p, res.ID)
		}
		w.log.WarnCtx(ctx, "record skipped", "record", string(res.ID), "state", res.FailedIn.String(), "err", res.Err)
	}
	return nil
}

func (r RecordResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%q failed after %s: %v", r.ID, r.FailedIn, r.Err)
	}
	return fmt.Sprintf("%q %s, %d entries, lock release %s", r.ID, r.State, r.Entries, r.Release)
}
