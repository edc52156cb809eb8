// Package cdpbroker multiplexes CDP command traffic for one browserpool
// Guard across many concurrent callers, batching small commands together
// and flushing on size-or-timeout, per spec.md §4.4. Each Connection wraps a
// single *rod.Page and serializes access to it through a command queue, so
// callers never issue raw CDP calls directly against a shared page.
package cdpbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/types"
)

// command is one queued unit of work against a Connection's page.
type command struct {
	fn   func(*rod.Page) (interface{}, error)
	resp chan result
}

type result struct {
	value interface{}
	err   error
}

// Connection multiplexes commands against a single page. It is safe for
// concurrent use; commands are executed one at a time in submission order,
// batched up to MaxBatchSize or BatchTimeout, whichever comes first.
type Connection struct {
	page *rod.Page
	cfg  *config.Config

	queue  chan command
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// newConnection starts a Connection's batching loop over page.
func newConnection(page *rod.Page, cfg *config.Config) *Connection {
	c := &Connection{
		page:   page,
		cfg:    cfg,
		queue:  make(chan command, cfg.CDPMaxBatchSize*4),
		closed: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Connection) run() {
	defer c.wg.Done()
	batch := make([]command, 0, c.cfg.CDPMaxBatchSize)
	timer := time.NewTimer(c.cfg.CDPBatchTimeout)
	defer timer.Stop()

	flush := func() {
		for _, cmd := range batch {
			value, err := cmd.fn(c.page)
			cmd.resp <- result{value: value, err: err}
		}
		batch = batch[:0]
	}

	for {
		select {
		case cmd, ok := <-c.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, cmd)
			if len(batch) >= c.cfg.CDPMaxBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.cfg.CDPBatchTimeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				flush()
			}
			timer.Reset(c.cfg.CDPBatchTimeout)
		case <-c.closed:
			for cmd := range c.queue {
				batch = append(batch, cmd)
			}
			flush()
			return
		}
	}
}

// Do submits fn to run against the page, waiting for it to be flushed and
// executed (as part of the current or next batch) or for ctx to be canceled.
func (c *Connection) Do(ctx context.Context, fn func(*rod.Page) (interface{}, error)) (interface{}, error) {
	select {
	case <-c.closed:
		return nil, types.ErrCDPConnectionClosed
	default:
	}

	cmd := command{fn: fn, resp: make(chan result, 1)}
	select {
	case c.queue <- cmd:
	case <-c.closed:
		return nil, types.ErrCDPConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.resp:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Navigate is a convenience wrapper around the common navigate-and-wait
// sequence, batched like any other command.
func (c *Connection) Navigate(ctx context.Context, url string) error {
	_, err := c.Do(ctx, func(p *rod.Page) (interface{}, error) {
		if err := p.Context(ctx).Navigate(url); err != nil {
			return nil, err
		}
		return nil, p.Context(ctx).WaitLoad()
	})
	return err
}

// SetExtraHeaders installs headers to be sent with every subsequent request
// the page makes, including the navigation that follows. Safe to call with
// an empty map, a no-op in that case.
func (c *Connection) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	kv := make([]string, 0, len(headers)*2)
	for k, v := range headers {
		kv = append(kv, k, v)
	}
	_, err := c.Do(ctx, func(p *rod.Page) (interface{}, error) {
		cleanup, err := p.Context(ctx).SetExtraHeaders(kv)
		_ = cleanup
		return nil, err
	})
	return err
}

// HTML returns the page's outer HTML.
func (c *Connection) HTML(ctx context.Context) (string, error) {
	v, err := c.Do(ctx, func(p *rod.Page) (interface{}, error) {
		return p.Context(ctx).HTML()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cookies returns the page's current cookies, translated to our domain type.
func (c *Connection) Cookies(ctx context.Context) ([]types.Cookie, error) {
	v, err := c.Do(ctx, func(p *rod.Page) (interface{}, error) {
		return p.Context(ctx).Cookies(nil)
	})
	if err != nil {
		return nil, err
	}
	raw := v.([]*proto.NetworkCookie)
	out := make([]types.Cookie, 0, len(raw))
	for _, rc := range raw {
		out = append(out, types.Cookie{
			Name: rc.Name, Value: rc.Value, Domain: rc.Domain, Path: rc.Path,
			Expires: float64(rc.Expires), HTTPOnly: rc.HTTPOnly, Secure: rc.Secure,
			SameSite: string(rc.SameSite),
		})
	}
	return out, nil
}

// Cancel stops in-flight loading on the page, the CDP analogue of
// Page.stopLoading used to enforce the render-timeout cascade (spec.md §5).
func (c *Connection) Cancel(ctx context.Context) error {
	_, err := c.Do(ctx, func(p *rod.Page) (interface{}, error) {
		return nil, proto.PageStopLoading{}.Call(p)
	})
	return err
}

// Close stops the batching loop, flushing any queued commands first. Safe
// to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.closed)
		close(c.queue)
		c.wg.Wait()
	})
}

// Broker owns one Connection per checked-out page and evicts idle ones.
type Broker struct {
	cfg *config.Config

	mu    sync.Mutex
	conns map[*rod.Page]*Connection
	seen  map[*rod.Page]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Broker bounded by cfg.CDPMaxConnsPerBrowser connections in
// total; Acquire refuses a new page once that many are live. The bound is per
// Broker, not per browser, so it matches the config's per-browser meaning
// only when one Broker is scoped to one browser instance.
func New(cfg *config.Config) *Broker {
	b := &Broker{
		cfg:    cfg,
		conns:  make(map[*rod.Page]*Connection),
		seen:   make(map[*rod.Page]time.Time),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.evictIdleLoop()
	}()
	return b
}

// Acquire returns the multiplexed Connection for page, creating one if this
// is the first request against it, subject to CDPMaxConnsPerBrowser.
func (b *Broker) Acquire(page *rod.Page) (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn, ok := b.conns[page]; ok {
		b.seen[page] = time.Now()
		return conn, nil
	}

	if len(b.conns) >= b.cfg.CDPMaxConnsPerBrowser {
		return nil, fmt.Errorf("%w: at capacity (%d connections)", types.ErrCDPBrokerClosed, b.cfg.CDPMaxConnsPerBrowser)
	}

	conn := newConnection(page, b.cfg)
	b.conns[page] = conn
	b.seen[page] = time.Now()
	return conn, nil
}

// Release marks a page's connection as no longer actively used, eligible
// for idle eviction, without closing it immediately (callers may reacquire
// it for a subsequent operation on the same page).
func (b *Broker) Release(page *rod.Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[page] = time.Now()
}

// Evict closes and forgets page's connection immediately, used when the
// caller knows the page is being closed.
func (b *Broker) Evict(page *rod.Page) {
	b.mu.Lock()
	conn, ok := b.conns[page]
	delete(b.conns, page)
	delete(b.seen, page)
	b.mu.Unlock()

	if ok {
		conn.Close()
	}
}

func (b *Broker) evictIdleLoop() {
	ticker := time.NewTicker(b.cfg.CDPIdleEvict / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			cutoff := time.Now().Add(-b.cfg.CDPIdleEvict)
			var stale []*rod.Page
			for page, last := range b.seen {
				if last.Before(cutoff) {
					stale = append(stale, page)
				}
			}
			for _, page := range stale {
				if conn, ok := b.conns[page]; ok {
					conn.Close()
					delete(b.conns, page)
				}
				delete(b.seen, page)
			}
			b.mu.Unlock()
			if len(stale) > 0 {
				log.Debug().Int("count", len(stale)).Msg("cdp broker evicted idle connections")
			}
		case <-b.stopCh:
			return
		}
	}
}

// ConnectionCount returns the number of live multiplexed connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close evicts and closes every connection and stops the eviction loop.
// Idempotent.
func (b *Broker) Close() {
	b.once.Do(func() {
		close(b.stopCh)
		b.wg.Wait()

		b.mu.Lock()
		conns := b.conns
		b.conns = nil
		b.seen = nil
		b.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
	})
}
