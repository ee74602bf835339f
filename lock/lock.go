// Package lock bounds indexing of a record to one operation at a time across
// all workers of a rebuild and the online indexing path.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/utils"
)

var AcquireResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "lock",
	Name:      "acquire_results",
}, []string{"result"})

var AcquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "kvindex",
	Subsystem: "lock",
	Name:      "acquire_duration_seconds",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

var RenewResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "lock",
	Name:      "renew_results",
}, []string{"result"})

var ReleaseOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "lock",
	Name:      "release_outcomes",
}, []string{"outcome"})

type ReleaseOutcome byte

const (
	ReleasedCleanly ReleaseOutcome = iota
	ReleaseFailedButIgnored
)

func (o ReleaseOutcome) String() string {
	if o == ReleaseFailedButIgnored {
		return "failed_ignored"
	}
	return "clean"
}

type Options struct {
	// SessionTimeout is the lease length; a lock left behind by a dead worker
	// expires after it.
	SessionTimeout time.Duration
	// AcquireTimeout bounds waiting for a held lock; zero means one attempt.
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
	// RenewInterval is how often a held lease is extended by another
	// SessionTimeout. Defaults to a third of SessionTimeout.
	RenewInterval  time.Duration
	ReleaseTimeout time.Duration
	Logger         utils.Logger
}

func (o *Options) SetDefaults() {
	if o.SessionTimeout == 0 {
		o.SessionTimeout = 30 * time.Second
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = max(o.SessionTimeout/3, time.Millisecond)
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 20 * time.Millisecond
	}
	if o.ReleaseTimeout == 0 {
		o.ReleaseTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Token proves ownership of one record lock until released. Its lease is
// renewed in the background while it is held.
type Token struct {
	RecordID []byte
	Owner    string
	Acquired time.Time

	released atomic.Bool
	lost     atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
}

func (t *Token) Released() bool { return t.released.Load() }

// Lost reports that a renewal found the lease taken by another owner.
func (t *Token) Lost() bool { return t.lost.Load() }

type Locker struct {
	backend Backend
	opts    Options
	held    *xsync.MapOf[string, *Token]
}

func New(backend Backend, opts Options) *Locker {
	opts.SetDefaults()
	return &Locker{backend: backend, opts: opts, held: xsync.NewMapOf[string, *Token]()}
}

func (l *Locker) Backend() Backend { return l.backend }

// Acquire takes the lock of recordID, retrying until AcquireTimeout. It fails
// with ErrLockUnavailable if the lock stays held by someone else.
func (l *Locker) Acquire(ctx context.Context, recordID []byte) (*Token, error) {
	start := time.Now()
	defer func() { AcquireDuration.Observe(time.Since(start).Seconds()) }()

	owner := uuid.Must(uuid.NewV7()).String()
	deadline := start.Add(l.opts.AcquireTimeout)
	for {
		ok, err := l.backend.TryAcquire(ctx, string(recordID), owner, l.opts.SessionTimeout)
		if err != nil {
			AcquireResults.WithLabelValues("error").Inc()
			return nil, errors.Join(fmt.Errorf("%w: record %q", index_errors.ErrLockUnavailable, recordID), err)
		}
		if ok {
			AcquireResults.WithLabelValues("acquired").Inc()
			t := &Token{
				RecordID: recordID,
				Owner:    owner,
				Acquired: time.Now(),
				stop:     make(chan struct{}),
				stopped:  make(chan struct{}),
			}
			l.held.Store(owner, t)
			go l.keepalive(t)
			return t, nil
		}
		if !time.Now().Add(l.opts.RetryInterval).Before(deadline) {
			AcquireResults.WithLabelValues("unavailable").Inc()
			return nil, fmt.Errorf("%w: record %q is held", index_errors.ErrLockUnavailable, recordID)
		}
		select {
		case <-ctx.Done():
			AcquireResults.WithLabelValues("canceled").Inc()
			return nil, errors.Join(fmt.Errorf("%w: record %q", index_errors.ErrLockUnavailable, recordID), ctx.Err())
		case <-time.After(l.opts.RetryInterval):
		}
	}
}

// keepalive extends the lease of t every RenewInterval until t is released.
func (l *Locker) keepalive(t *Token) {
	defer close(t.stopped)
	tick := time.NewTicker(l.opts.RenewInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.ReleaseTimeout)
		ok, err := l.backend.TryAcquire(ctx, string(t.RecordID), t.Owner, l.opts.SessionTimeout)
		cancel()
		switch {
		case err != nil:
			RenewResults.WithLabelValues("error").Inc()
			l.opts.Logger.Warn("index lock renewal failed", "record", string(t.RecordID), "err", err)
		case !ok:
			RenewResults.WithLabelValues("lost").Inc()
			l.opts.Logger.Error("index lock lost to another owner", "record", string(t.RecordID),
				"held_for", time.Since(t.Acquired), "session_timeout", l.opts.SessionTimeout)
			t.lost.Store(true)
			return
		default:
			RenewResults.WithLabelValues("renewed").Inc()
		}
	}
}

// Release gives the lock back. It is idempotent and never fails: a backend
// error is logged and the lease is left to expire.
// It runs even when ctx is already canceled.
func (l *Locker) Release(ctx context.Context, t *Token) ReleaseOutcome {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return ReleasedCleanly
	}
	l.held.Delete(t.Owner)
	close(t.stop)
	<-t.stopped

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ReleaseTimeout)
	defer cancel()

	outcome := ReleasedCleanly
	if err := l.backend.Release(rctx, string(t.RecordID), t.Owner); err != nil {
		outcome = ReleaseFailedButIgnored
		l.opts.Logger.WarnCtx(ctx, "index lock release failed, lease will expire",
			"record", string(t.RecordID), "err", err, "session_timeout", l.opts.SessionTimeout)
	}
	ReleaseOutcomes.WithLabelValues(outcome.String()).Inc()
	return outcome
}

// Close releases the locks still held and closes the backend.
func (l *Locker) Close() error {
	l.held.Range(func(_ string, t *Token) bool {
		l.Release(context.Background(), t)
		return true
	})
	return l.backend.Close()
}
