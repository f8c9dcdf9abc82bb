package connpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

var (
	// ErrPoolExhausted is returned when a checkout could not be served
	// before its context ended.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("connection pool closed")
)

// DialFunc opens an authenticated session for an account.
type DialFunc func(ctx context.Context, account string) (email.Session, error)

// Config controls pool limits.
type Config struct {
	// MaxConnections caps live connections (idle plus checked out) across
	// all accounts.
	MaxConnections int
	// IdleTimeout closes idle connections unused for longer.
	IdleTimeout time.Duration
	// CheckoutTimeout bounds how long Checkout waits and dials. Zero waits
	// until ctx is done.
	CheckoutTimeout time.Duration
	// ProviderCaps caps live connections per provider key.
	ProviderCaps map[string]int
	// Provider maps an account to its provider key. Nil puts every account
	// under the empty key.
	Provider func(account string) string
}

// DefaultConfig returns a global cap of 30 and a five minute idle timeout.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 30,
		IdleTimeout:    5 * time.Minute,
	}
}

// Conn is a pooled session. It must be returned with Checkin or Discard.
type Conn struct {
	email.Session

	id         uint64
	account    string
	provider   string
	lastUsed   time.Time
	checkedOut bool
}

// Account returns the account the connection is authenticated for.
func (c *Conn) Account() string { return c.account }

// ID identifies the connection in logs.
func (c *Conn) ID() uint64 { return c.id }

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Live    int `json:"live"`
	InUse   int `json:"in_use"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

type grant struct {
	conn     *Conn
	reserved bool
	// evicted is another account's idle connection that gave up its slot.
	// It is closed before the replacement is dialed.
	evicted *Conn
}

type waiter struct {
	account  string
	provider string
	ready    chan grant
}

// Pool hands out sessions keyed by account under a global cap and optional
// per-provider caps. Requests that cannot be served queue FIFO; a waiter
// blocked only by its provider cap does not hold back waiters of other
// providers.
type Pool struct {
	cfg    Config
	dial   DialFunc
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	idle        map[string][]*Conn
	live        int
	inUse       int
	perProvider map[string]int
	waiters     *list.List
	nextID      uint64
	closed      bool
}

// New creates a pool. Zero config fields take their defaults.
func New(cfg Config, dial DialFunc, logger *logrus.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool{
		cfg:         cfg,
		dial:        dial,
		logger:      logger,
		now:         time.Now,
		idle:        make(map[string][]*Conn),
		perProvider: make(map[string]int),
		waiters:     list.New(),
	}
}

func (p *Pool) providerOf(account string) string {
	if p.cfg.Provider == nil {
		return ""
	}
	return p.cfg.Provider(account)
}

// Checkout returns a session for account, reusing an idle one when
// possible. It blocks while the pool is at capacity. Dial errors are
// returned as is.
func (p *Pool) Checkout(ctx context.Context, account string) (*Conn, error) {
	if p.cfg.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
		defer cancel()
	}
	provider := p.providerOf(account)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	w := &waiter{account: account, provider: provider, ready: make(chan grant, 1)}
	elem := p.waiters.PushBack(w)
	p.dispatch()
	p.mu.Unlock()

	select {
	case g, ok := <-w.ready:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.complete(ctx, account, provider, g)
	case <-ctx.Done():
		p.mu.Lock()
		queued := false
		for e := p.waiters.Front(); e != nil; e = e.Next() {
			if e == elem {
				p.waiters.Remove(e)
				queued = true
				break
			}
		}
		p.mu.Unlock()
		if !queued {
			// Served concurrently with cancellation; hand it back.
			if g, ok := <-w.ready; ok {
				if g.evicted != nil {
					g.evicted.Close() //nolint:errcheck
				}
				if g.conn != nil {
					p.Checkin(g.conn)
				} else if g.reserved {
					p.release(provider)
				}
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
	}
}

// complete finishes a grant, dialing when a slot was reserved.
func (p *Pool) complete(ctx context.Context, account, provider string, g grant) (*Conn, error) {
	if g.evicted != nil {
		p.logger.WithFields(logrus.Fields{
			"account": g.evicted.account,
			"conn":    g.evicted.id,
		}).Debug("Evicted idle connection for another account")
		g.evicted.Close() //nolint:errcheck
	}
	if g.conn != nil {
		if g.conn.IsAlive() {
			return g.conn, nil
		}
		p.logger.WithFields(logrus.Fields{
			"account": account,
			"conn":    g.conn.id,
		}).Debug("Replacing dead idle connection")
		// The dead connection's slot is reused for the replacement.
		g.conn.Close() //nolint:errcheck
	}

	session, err := p.dial(ctx, account)
	if err != nil {
		p.release(provider)
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	c := &Conn{
		Session:    session,
		id:         p.nextID,
		account:    account,
		provider:   provider,
		lastUsed:   p.now(),
		checkedOut: true,
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.release(provider)
		session.Close() //nolint:errcheck
		return nil, ErrPoolClosed
	}

	p.logger.WithFields(logrus.Fields{
		"account": account,
		"conn":    c.id,
	}).Debug("Opened pooled connection")
	return c, nil
}

// tryServe serves a request if capacity allows: an idle connection of the
// same account first, then a new slot. When the provider or global cap is
// reached, another account's least recently used idle connection under that
// cap gives up its slot. Must hold p.mu.
func (p *Pool) tryServe(account, provider string) (grant, bool) {
	if c := p.popIdle(account); c != nil {
		p.inUse++
		c.checkedOut = true
		return grant{conn: c}, true
	}

	g := grant{reserved: true}
	var victim *Conn
	switch {
	case !p.providerAllows(provider):
		victim = p.oldestIdle(func(c *Conn) bool {
			return c.account != account && c.provider == provider
		})
		if victim == nil {
			return grant{}, false
		}
	case p.live >= p.cfg.MaxConnections:
		victim = p.oldestIdle(func(c *Conn) bool { return c.account != account })
		if victim == nil {
			return grant{}, false
		}
	}
	if victim != nil {
		p.removeIdle(victim)
		p.live--
		p.perProvider[victim.provider]--
		g.evicted = victim
	}

	p.live++
	p.inUse++
	p.perProvider[provider]++
	return g, true
}

func (p *Pool) providerAllows(provider string) bool {
	limit, ok := p.cfg.ProviderCaps[provider]
	return !ok || limit <= 0 || p.perProvider[provider] < limit
}

// release frees a reserved slot whose dial failed or was abandoned.
func (p *Pool) release(provider string) {
	p.mu.Lock()
	p.live--
	p.inUse--
	p.perProvider[provider]--
	p.dispatch()
	p.mu.Unlock()
}

// dispatch serves queued waiters in FIFO order. Must hold p.mu.
func (p *Pool) dispatch() {
	for e := p.waiters.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*waiter)
		g, ok := p.tryServe(w.account, w.provider)
		if ok {
			p.waiters.Remove(e)
			w.ready <- g
		} else if p.live >= p.cfg.MaxConnections && len(p.idle) == 0 {
			break
		}
		e = next
	}
}

// Checkin returns a healthy connection for reuse.
func (p *Pool) Checkin(c *Conn) {
	if c == nil {
		return
	}
	if !c.IsAlive() {
		p.Discard(c)
		return
	}

	p.mu.Lock()
	if !c.checkedOut {
		p.mu.Unlock()
		return
	}
	c.checkedOut = false
	p.inUse--
	if p.closed {
		p.live--
		p.perProvider[c.provider]--
		p.mu.Unlock()
		c.Close() //nolint:errcheck
		return
	}
	c.lastUsed = p.now()
	p.idle[c.account] = append(p.idle[c.account], c)
	p.dispatch()
	p.mu.Unlock()
}

// Discard closes a broken connection and frees its slot.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if !c.checkedOut {
		p.mu.Unlock()
		return
	}
	c.checkedOut = false
	p.mu.Unlock()

	c.Close() //nolint:errcheck

	p.mu.Lock()
	p.inUse--
	p.live--
	p.perProvider[c.provider]--
	p.dispatch()
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{
		"account": c.account,
		"conn":    c.id,
	}).Debug("Discarded pooled connection")
}

// EvictIdle closes idle connections unused since before now-IdleTimeout and
// returns how many were closed.
func (p *Pool) EvictIdle(now time.Time) int {
	cutoff := now.Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var toClose []*Conn
	for account, conns := range p.idle {
		kept := conns[:0]
		for _, c := range conns {
			if c.lastUsed.Before(cutoff) {
				toClose = append(toClose, c)
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, account)
		} else {
			p.idle[account] = kept
		}
	}
	p.mu.Unlock()

	// Slots are freed only once the sessions are closed.
	closeAll(toClose)

	p.mu.Lock()
	for _, c := range toClose {
		p.live--
		p.perProvider[c.provider]--
	}
	p.dispatch()
	p.mu.Unlock()

	if len(toClose) > 0 {
		p.logger.WithField("closed", len(toClose)).Debug("Evicted idle connections")
	}
	return len(toClose)
}

// Run evicts idle connections periodically until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictIdle(p.now())
		}
	}
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, conns := range p.idle {
		idle += len(conns)
	}
	return Stats{
		Live:    p.live,
		InUse:   p.inUse,
		Idle:    idle,
		Waiting: p.waiters.Len(),
		Max:     p.cfg.MaxConnections,
	}
}

// Close closes idle connections and fails queued waiters. Checked out
// connections are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var toClose []*Conn
	for _, conns := range p.idle {
		for _, c := range conns {
			toClose = append(toClose, c)
			p.live--
			p.perProvider[c.provider]--
		}
	}
	p.idle = make(map[string][]*Conn)
	var waiting []*waiter
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		waiting = append(waiting, e.Value.(*waiter))
	}
	p.waiters.Init()
	p.mu.Unlock()

	closeAll(toClose)
	for _, w := range waiting {
		close(w.ready)
	}
}

// popIdle returns the most recently used idle connection of account.
func (p *Pool) popIdle(account string) *Conn {
	conns := p.idle[account]
	if len(conns) == 0 {
		return nil
	}
	c := conns[len(conns)-1]
	if len(conns) == 1 {
		delete(p.idle, account)
	} else {
		p.idle[account] = conns[:len(conns)-1]
	}
	return c
}

// oldestIdle returns the least recently used idle connection matching keep.
func (p *Pool) oldestIdle(keep func(*Conn) bool) *Conn {
	var oldest *Conn
	for _, conns := range p.idle {
		for _, c := range conns {
			if !keep(c) {
				continue
			}
			if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
				oldest = c
			}
		}
	}
	return oldest
}

func (p *Pool) removeIdle(c *Conn) {
	conns := p.idle[c.account]
	for i, other := range conns {
		if other == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(p.idle, c.account)
	} else {
		p.idle[c.account] = conns
	}
}

func closeAll(conns []*Conn) {
	for _, c := range conns {
		c.Close() //nolint:errcheck
	}
}
