package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/drpcorg/kvindex/schema"
	"github.com/drpcorg/kvindex/store"
	"github.com/drpcorg/kvindex/utils"
)

// Endpoint is one shard destination. Send replaces everything the shard
// holds for the record with entries, so sending twice is harmless.
type Endpoint interface {
	Send(ctx context.Context, recordID []byte, entries []schema.Entry) error
	Close() error
}

// Document is the JSON body posted to search endpoints.
type Document struct {
	ID      string          `json:"id"`
	Index   string          `json:"index"`
	Entries []DocumentEntry `json:"entries"`
}

type DocumentEntry struct {
	Identifier []byte         `json:"identifier"`
	Fields     map[string]any `json:"fields"`
}

func NewDocument(index string, recordID []byte, entries []schema.Entry) Document {
	doc := Document{ID: string(recordID), Index: index, Entries: make([]DocumentEntry, len(entries))}
	for i, e := range entries {
		doc.Entries[i] = DocumentEntry{Identifier: e.Identifier, Fields: e.Values}
	}
	return doc
}

// HTTPEndpoint posts documents to <address>/update.
type HTTPEndpoint struct {
	pool   *Pool
	update string
	index  string
}

func NewHTTPEndpoint(pool *Pool, address, index string) *HTTPEndpoint {
	return &HTTPEndpoint{
		pool:   pool,
		update: strings.TrimRight(address, "/") + "/update",
		index:  index,
	}
}

func (h *HTTPEndpoint) Send(ctx context.Context, recordID []byte, entries []schema.Entry) error {
	body, err := json.Marshal(NewDocument(h.index, recordID, entries))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.update, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, done, err := h.pool.Do(ctx, req)
	if err != nil {
		return err
	}
	defer done()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: %s: %s", h.update, resp.Status, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close is a no-op; the pool owns the connections.
func (h *HTTPEndpoint) Close() error { return nil }

// LocalEndpoint writes entries to an IndexTable in a local store.
type LocalEndpoint struct {
	db    *store.DB
	table *store.IndexTable
}

func OpenLocalEndpoint(path string, s *schema.Schema, log utils.Logger) (*LocalEndpoint, error) {
	db, err := store.OpenShared(path, store.Options{Logger: log})
	if err != nil {
		return nil, err
	}
	return &LocalEndpoint{db: db, table: db.Index(s)}, nil
}

func (l *LocalEndpoint) Send(ctx context.Context, recordID []byte, entries []schema.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.table.Replace(recordID, entries)
}

func (l *LocalEndpoint) Close() error { return l.db.Close() }

// NewEndpoint picks the endpoint kind from the address scheme: http(s) for
// search endpoints, pebble://<path> for a local index table.
func NewEndpoint(address string, pool *Pool, s *schema.Schema, log utils.Logger) (Endpoint, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPEndpoint(pool, address, s.Name()), nil
	case "pebble":
		if u.Host+u.Path == "" {
			return nil, fmt.Errorf("address %q has no path", address)
		}
		return OpenLocalEndpoint(u.Host+u.Path, s, log)
	default:
		return nil, fmt.Errorf("address %q: unsupported scheme", address)
	}
}
