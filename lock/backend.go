package lock

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/store"
	"github.com/drpcorg/kvindex/utils"
)

// Backend is the coordination service: a table of expiring leases.
type Backend interface {
	// TryAcquire takes the lease on key for owner unless another owner holds
	// a live one. It never blocks on contention.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
	Close() error
}

type lease struct {
	owner   string
	expires time.Time
}

func (l lease) live(now time.Time) bool {
	return now.Before(l.expires)
}

// MemoryBackend keeps leases in process memory. Workers of one process
// share an instance through Open("mem://name").
type MemoryBackend struct {
	leases *xsync.MapOf[string, lease]
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leases: xsync.NewMapOf[string, lease](),
		now:    time.Now,
	}
}

func (m *MemoryBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := m.now()
	acquired := false
	m.leases.Compute(key, func(old lease, loaded bool) (lease, bool) {
		if loaded && old.owner != owner && old.live(now) {
			return old, false
		}
		acquired = true
		return lease{owner: owner, expires: now.Add(ttl)}, false
	})
	return acquired, nil
}

func (m *MemoryBackend) Release(ctx context.Context, key, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.leases.Compute(key, func(old lease, loaded bool) (lease, bool) {
		return old, !loaded || old.owner == owner
	})
	return nil
}

func (m *MemoryBackend) Held(key string) bool {
	l, ok := m.leases.Load(key)
	return ok && l.live(m.now())
}

func (m *MemoryBackend) Close() error { return nil }

const leasePrefix byte = 'L'

// PebbleBackend persists leases in a local pebble store so that they survive
// a crashed worker until they expire.
type PebbleBackend struct {
	db    *pebble.DB
	keys  utils.KeyedMutex[string]
	now   func() time.Time
	close func() error
}

func NewPebbleBackend(db *pebble.DB) *PebbleBackend {
	return &PebbleBackend{db: db, now: time.Now}
}

func leaseKey(key string) []byte {
	return append([]byte{leasePrefix}, key...)
}

func encodeLease(l lease) []byte {
	v := binary.BigEndian.AppendUint64(nil, uint64(l.expires.UnixNano()))
	return append(v, l.owner...)
}

func decodeLease(v []byte) (lease, error) {
	if len(v) < 8 {
		return lease{}, fmt.Errorf("%w: lease value of %d bytes", index_errors.ErrCorruptEncoding, len(v))
	}
	return lease{
		expires: time.Unix(0, int64(binary.BigEndian.Uint64(v))),
		owner:   string(v[8:]),
	}, nil
}

func (p *PebbleBackend) current(key string) (lease, bool, error) {
	v, closer, err := p.db.Get(leaseKey(key))
	if err == pebble.ErrNotFound {
		return lease{}, false, nil
	}
	if err != nil {
		return lease{}, false, err
	}
	defer closer.Close()
	l, err := decodeLease(v)
	return l, err == nil, err
}

func (p *PebbleBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	defer p.keys.Lock(key)()
	now := p.now()
	old, ok, err := p.current(key)
	if err != nil {
		return false, err
	}
	if ok && old.owner != owner && old.live(now) {
		return false, nil
	}
	err = p.db.Set(leaseKey(key), encodeLease(lease{owner: owner, expires: now.Add(ttl)}), pebble.Sync)
	return err == nil, err
}

func (p *PebbleBackend) Release(ctx context.Context, key, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer p.keys.Lock(key)()
	old, ok, err := p.current(key)
	if err != nil || !ok || old.owner != owner {
		return err
	}
	return p.db.Delete(leaseKey(key), pebble.Sync)
}

func (p *PebbleBackend) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

var memBackends = xsync.NewMapOf[string, *MemoryBackend]()

// Open resolves a coordination connect string:
//
//	mem://<name>      process-wide in-memory lease table
//	pebble://<path>   lease table in a local pebble store
//
// Backends opened with the same connect string share state.
func Open(connect string) (Backend, error) {
	u, err := url.Parse(connect)
	if err != nil {
		return nil, fmt.Errorf("%w: coordination connect %q: %w", index_errors.ErrInvalidJobConf, connect, err)
	}
	switch u.Scheme {
	case "mem":
		b, _ := memBackends.LoadOrCompute(u.Host+u.Path, NewMemoryBackend)
		return b, nil
	case "pebble":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("%w: coordination connect %q has no path", index_errors.ErrInvalidJobConf, connect)
		}
		db, err := store.OpenShared(path, store.Options{Logger: utils.NewDiscardLogger()})
		if err != nil {
			return nil, err
		}
		b := NewPebbleBackend(db.Pebble())
		b.close = db.Close
		return b, nil
	default:
		return nil, fmt.Errorf("%w: coordination connect %q: unsupported scheme", index_errors.ErrInvalidJobConf, connect)
	}
}
