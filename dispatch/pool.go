package dispatch

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

type PoolOptions struct {
	MaxPerHost int
	MaxTotal   int
	Timeout    time.Duration
}

func (o *PoolOptions) SetDefaults() {
	if o.MaxPerHost == 0 {
		o.MaxPerHost = 5
	}
	if o.MaxTotal == 0 {
		o.MaxTotal = 50
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
}

// Pool bounds connections per destination through the transport and
// in-flight requests across all destinations through a semaphore.
type Pool struct {
	opts      PoolOptions
	transport *http.Transport
	client    *http.Client
	total     *semaphore.Weighted
}

func NewPool(opts PoolOptions) *Pool {
	opts.SetDefaults()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = opts.MaxPerHost
	transport.MaxIdleConnsPerHost = opts.MaxPerHost
	transport.MaxIdleConns = opts.MaxTotal
	return &Pool{
		opts:      opts,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		total:     semaphore.NewWeighted(int64(opts.MaxTotal)),
	}
}

func (p *Pool) Options() PoolOptions { return p.opts }

// Do waits for a free slot and runs req. The caller closes the body.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, func(), error) {
	if err := p.total.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	resp, err := p.client.Do(req.WithContext(ctx))
	if err != nil {
		p.total.Release(1)
		return nil, nil, err
	}
	return resp, func() {
		resp.Body.Close()
		p.total.Release(1)
	}, nil
}

// Close drops idle connections; requests in flight finish normally.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
