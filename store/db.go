// Package store keeps source records and index rows in pebble.
//
// Key space:
//
//	'R' id                          record, JSON object of properties
//	'I' len(name) name rowkey       index row
//	'X' len(name) name id rowkey    reverse link from record to its index rows
//	'L' id                          lock lease, see package lock
package store

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/utils"
)

const (
	recordPrefix  byte = 'R'
	indexPrefix   byte = 'I'
	reversePrefix byte = 'X'
)

type Options struct {
	// Pebble is passed to pebble.Open; set FS to vfs.NewMem() for tests.
	Pebble       pebble.Options
	WriteOptions *pebble.WriteOptions
	Logger       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type DB struct {
	db     *pebble.DB
	path   string
	opts   Options
	closed bool
	// release replaces pebble's Close for shared handles
	release func() error
}

func Open(path string, opts Options) (*DB, error) {
	opts.SetDefaults()
	pdb, err := pebble.Open(path, &opts.Pebble)
	if err != nil {
		return nil, err
	}
	opts.Logger.Debug("store opened", "path", path)
	return &DB{db: pdb, path: path, opts: opts}, nil
}

func (d *DB) Close() error {
	if d.closed {
		return index_errors.ErrClosed
	}
	d.closed = true
	var err error
	if d.release != nil {
		err = d.release()
	} else {
		err = d.db.Close()
	}
	d.opts.Logger.Debug("store closed", "path", d.path, "err", err)
	return err
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*sharedDB{}
)

type sharedDB struct {
	db   *pebble.DB
	refs int
}

// OpenShared returns a handle on the process-wide instance of the store at
// path, opening it on first use. pebble allows one instance per directory,
// so workers of one process go through here. The instance is closed with
// its last handle.
func OpenShared(path string, opts Options) (*DB, error) {
	opts.SetDefaults()
	sharedMu.Lock()
	defer sharedMu.Unlock()
	s, ok := shared[path]
	if !ok {
		pdb, err := pebble.Open(path, &opts.Pebble)
		if err != nil {
			return nil, err
		}
		s = &sharedDB{db: pdb}
		shared[path] = s
	}
	s.refs++
	return &DB{db: s.db, path: path, opts: opts, release: func() error {
		sharedMu.Lock()
		defer sharedMu.Unlock()
		if s.refs--; s.refs > 0 {
			return nil
		}
		delete(shared, path)
		return s.db.Close()
	}}, nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) Pebble() *pebble.DB { return d.db }

func (d *DB) Records() *RecordStore {
	return &RecordStore{db: d}
}

// Collector exports pebble internals labelled with the store path.
func (d *DB) Collector() *Collector {
	return NewCollector(d.db, d.path)
}
