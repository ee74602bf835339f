// Package dispatch delivers the index entries of a record to the shards
// chosen by the routing, over pooled connections.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
	"github.com/drpcorg/kvindex/shard"
	"github.com/drpcorg/kvindex/utils"
)

var Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "dispatch",
	Name:      "requests",
}, []string{"shard", "result"})

var Entries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "dispatch",
	Name:      "entries",
}, []string{"shard"})

var Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kvindex",
	Subsystem: "dispatch",
	Name:      "duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
}, []string{"shard"})

type Dispatcher struct {
	routing *shard.Holder
	schema  *schema.Schema
	pool    *Pool
	log     utils.Logger

	mu        sync.Mutex
	endpoints map[string]Endpoint
	closed    bool
}

func New(routing *shard.Holder, s *schema.Schema, pool *Pool, log utils.Logger) *Dispatcher {
	return &Dispatcher{
		routing:   routing,
		schema:    s,
		pool:      pool,
		log:       log,
		endpoints: make(map[string]Endpoint),
	}
}

// endpoint returns the endpoint of an address, creating it on first use.
func (d *Dispatcher) endpoint(addr string) (Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, index_errors.ErrClosed
	}
	if ep, ok := d.endpoints[addr]; ok {
		return ep, nil
	}
	ep, err := NewEndpoint(addr, d.pool, d.schema, d.log)
	if err != nil {
		return nil, err
	}
	d.endpoints[addr] = ep
	return ep, nil
}

type batch struct {
	addr    string
	entries []schema.Entry
}

// Dispatch routes every entry of the record and sends one request per shard,
// replacing what the shard held for the record. Nothing is sent when an
// entry cannot be routed.
//
// A record without entries still gets an empty replace on its shard, which
// drops its earlier rows. When the selector looks at field values, entries
// of one record may have moved between shards, so every shard receives the
// record's entries for it, possibly none.
func (d *Dispatcher) Dispatch(ctx context.Context, recordID []byte, entries []schema.Entry) error {
	routing := d.routing.Load()
	byShard := map[string]*batch{}
	switch {
	case !routing.Selector.RecordKeyed():
		for _, name := range routing.Map.Names() {
			addr, err := routing.Map.Address(name)
			if err != nil {
				return err
			}
			byShard[name] = &batch{addr: addr}
		}
	case len(entries) == 0:
		name, addr, err := routing.Route(recordID, schema.NewEntry(recordID))
		if err != nil {
			return err
		}
		byShard[name] = &batch{addr: addr}
	}
	for _, e := range entries {
		name, addr, err := routing.Route(recordID, e)
		if err != nil {
			return err
		}
		b, ok := byShard[name]
		if !ok {
			b = &batch{addr: addr}
			byShard[name] = b
		}
		b.entries = append(b.entries, e)
	}

	names := make([]string, 0, len(byShard))
	for name := range byShard {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		b := byShard[name]
		if err := d.send(ctx, name, b, recordID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, name string, b *batch, recordID []byte) error {
	ep, err := d.endpoint(b.addr)
	if err != nil {
		Requests.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("shard %s: %w", name, err)
	}
	start := time.Now()
	err = ep.Send(ctx, recordID, b.entries)
	Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		Requests.WithLabelValues(name, "error").Inc()
		d.log.WarnCtx(ctx, "dispatch failed", "shard", name, "addr", b.addr, "err", err)
		return fmt.Errorf("shard %s: %w", name, err)
	}
	Requests.WithLabelValues(name, "success").Inc()
	Entries.WithLabelValues(name).Add(float64(len(b.entries)))
	return nil
}

// Close closes the endpoints and drops idle pooled connections.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	for addr, ep := range d.endpoints {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}
	d.pool.Close()
	return errors.Join(errs...)
}
