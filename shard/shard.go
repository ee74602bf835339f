// Package shard picks the search index shard that receives an index entry.
package shard

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
)

type Selector interface {
	SelectShard(recordID []byte, e schema.Entry) (string, error)
	// RecordKeyed reports that the choice depends on the record id alone,
	// so every entry of a record lands on one shard.
	RecordKeyed() bool
}

// Map is the immutable set of shard name -> address pairs of a job.
type Map struct {
	names []string
	addrs map[string]string
}

func NewMap(addrs map[string]string) (*Map, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no shards configured", index_errors.ErrInvalidJobConf)
	}
	m := &Map{addrs: make(map[string]string, len(addrs))}
	for name, addr := range addrs {
		if name == "" || addr == "" {
			return nil, fmt.Errorf("%w: shard %q has address %q", index_errors.ErrInvalidJobConf, name, addr)
		}
		m.names = append(m.names, name)
		m.addrs[name] = addr
	}
	slices.Sort(m.names)
	return m, nil
}

// Names are sorted.
func (m *Map) Names() []string { return slices.Clone(m.names) }

func (m *Map) Len() int { return len(m.names) }

func (m *Map) Address(name string) (string, error) {
	addr, ok := m.addrs[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", index_errors.ErrUnknownShard, name)
	}
	return addr, nil
}

// HashSelector is the default policy: xxhash of the record id modulo the
// sorted shard names. The choice depends on nothing but the id and the
// shard set, so later updates of a record reach the shard of its first
// insert.
type HashSelector struct {
	names []string
}

func NewHashSelector(m *Map) *HashSelector {
	return &HashSelector{names: m.Names()}
}

func (h *HashSelector) SelectShard(recordID []byte, _ schema.Entry) (string, error) {
	return h.names[xxhash.Sum64(recordID)%uint64(len(h.names))], nil
}

func (h *HashSelector) RecordKeyed() bool { return true }

// NewSelector returns the rule selector described by conf, or the hash
// selector when conf is empty. Rules naming shards missing from m fail.
func NewSelector(m *Map, conf []byte) (Selector, error) {
	if len(conf) == 0 {
		return NewHashSelector(m), nil
	}
	r, err := ParseRule(conf)
	if err != nil {
		return nil, err
	}
	for _, name := range r.Shards() {
		if _, err := m.Address(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Routing is what a worker needs to route entries. Never modified after
// construction; replace it through a Holder.
type Routing struct {
	Map      *Map
	Selector Selector
}

func NewRouting(addrs map[string]string, conf []byte) (*Routing, error) {
	m, err := NewMap(addrs)
	if err != nil {
		return nil, err
	}
	sel, err := NewSelector(m, conf)
	if err != nil {
		return nil, err
	}
	return &Routing{Map: m, Selector: sel}, nil
}

// Route returns the shard name and address for an entry.
func (r *Routing) Route(recordID []byte, e schema.Entry) (name, addr string, err error) {
	name, err = r.Selector.SelectShard(recordID, e)
	if err != nil {
		return "", "", err
	}
	addr, err = r.Map.Address(name)
	return name, addr, err
}

type Holder struct {
	current atomic.Pointer[Routing]
}

func NewHolder(r *Routing) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

func (h *Holder) Load() *Routing { return h.current.Load() }

// Swap installs r and returns the previous routing. Callers that loaded the
// old value keep using it consistently.
func (h *Holder) Swap(r *Routing) *Routing { return h.current.Swap(r) }
