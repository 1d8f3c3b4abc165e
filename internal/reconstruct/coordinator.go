// Package reconstruct turns an authorized recovery into local content: it
// fetches fragments from ranked custodians in parallel, decodes them,
// verifies the result and persists it, tracking per-item and per-session
// progress.
package reconstruct

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ethosengine/elohim/internal/codec"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/metrics"
)

var log = logging.Logger("reconstruct")

// Ledger is the part of the custody ledger the coordinator reads and
// updates.
type Ledger interface {
	ListByContent(ctx context.Context, contentID string) ([]core.FragmentAssignment, error)
	ListByCustodian(ctx context.Context, custodianID string) ([]core.FragmentAssignment, error)
	ListByOwner(ctx context.Context, owner string) ([]string, error)
	UpdateStatus(ctx context.Context, contentID string, index int, status core.FragmentStatus) (core.FragmentAssignment, error)
}

// Fetcher retrieves one fragment's bytes from a custodian.
type Fetcher interface {
	Fetch(ctx context.Context, custodian core.Custodian, contentID string, index int) ([]byte, error)
}

type Config struct {
	FetchTimeout       time.Duration
	MaxParallelFetches int
	GlobalFetchLimit   int
	ItemWorkers        int
	RetryAttempts      int
	RetryBackoff       time.Duration
	MaxDecodeAttempts  int
	// SessionRetention is how long a finished or canceled session stays
	// queryable before it is dropped.
	SessionRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout:       30 * time.Second,
		MaxParallelFetches: 4,
		GlobalFetchLimit:   16,
		ItemWorkers:        2,
		RetryAttempts:      3,
		RetryBackoff:       500 * time.Millisecond,
		MaxDecodeAttempts:  64,
		SessionRetention:   15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.MaxParallelFetches <= 0 {
		c.MaxParallelFetches = def.MaxParallelFetches
	}
	if c.GlobalFetchLimit <= 0 {
		c.GlobalFetchLimit = def.GlobalFetchLimit
	}
	if c.ItemWorkers <= 0 {
		c.ItemWorkers = def.ItemWorkers
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxDecodeAttempts <= 0 {
		c.MaxDecodeAttempts = def.MaxDecodeAttempts
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = def.SessionRetention
	}
	return c
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs recovery sessions. Create it with New and stop it with
// Close.
type Coordinator struct {
	cfg     Config
	ledger  Ledger
	codec   codec.Codec
	fetcher Fetcher
	store   *ContentStore
	sem     *semaphore.Weighted
	tracer  trace.Tracer
	now     func() time.Time
	flight  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	sessions  map[string]*Session
	byRequest map[string]string
	onDone    []func(Progress)
}

func New(ledger Ledger, c codec.Codec, fetcher Fetcher, store *ContentStore, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		cfg:       cfg,
		ledger:    ledger,
		codec:     c,
		fetcher:   fetcher,
		store:     store,
		sem:       semaphore.NewWeighted(int64(cfg.GlobalFetchLimit)),
		tracer:    otel.Tracer("github.com/ethosengine/elohim/internal/reconstruct"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		byRequest: make(map[string]string),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// OnSessionDone registers fn to run when a session finishes with every item
// terminal. Canceled sessions do not fire it.
func (c *Coordinator) OnSessionDone(fn func(Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = append(c.onDone, fn)
}

// Store is the local content store sessions persist into.
func (c *Coordinator) Store() *ContentStore {
	return c.store
}

// StartSession creates and starts the session for an authorized request.
// Calling it again for the same request returns the existing session.
func (c *Coordinator) StartSession(ctx context.Context, req core.RecoveryRequest, auths []core.RecoveryAuthorization) (*Session, error) {
	c.mu.RLock()
	if id, ok := c.byRequest[req.ID]; ok {
		s := c.sessions[id]
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	contentIDs, err := c.ResolveScope(ctx, req, auths)
	if err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}

	c.mu.Lock()
	if id, ok := c.byRequest[req.ID]; ok {
		s := c.sessions[id]
		c.mu.Unlock()
		return s, nil
	}
	s := newSession(c.ctx, uuid.NewString(), req.ID, req.Identity, contentIDs, c.cfg.ItemWorkers, c.now)
	c.sessions[s.ID] = s
	c.byRequest[req.ID] = s.ID
	c.mu.Unlock()

	// Items already held locally survive restarts as Complete.
	for _, id := range contentIDs {
		has, err := c.store.Has(ctx, id)
		if err != nil {
			log.Warnw("content store lookup failed", "content", id, "err", err)
			continue
		}
		if has {
			s.update(id, func(it *Item) { it.Status = ItemComplete })
		}
	}

	metrics.ActiveSessions.Inc()
	log.Infow("recovery session started", "session", s.ID, "request", req.ID, "items", len(contentIDs))
	c.wg.Add(1)
	go c.runSession(s)
	return s, nil
}

func (c *Coordinator) runSession(s *Session) {
	defer c.wg.Done()
	defer metrics.ActiveSessions.Dec()
	defer c.retire(s)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := s.next()
				if !ok {
					return
				}
				c.runItem(s, id)
			}
		}()
	}
	wg.Wait()

	if !s.settle() {
		log.Infow("recovery session canceled", "session", s.ID, "request", s.RequestID)
		return
	}
	p := s.Progress()
	log.Infow("recovery session finished", "session", s.ID, "request", s.RequestID,
		"completed", p.Completed, "failed", p.Failed)
	c.mu.RLock()
	hooks := append([]func(Progress){}, c.onDone...)
	c.mu.RUnlock()
	for _, h := range hooks {
		h(p)
	}
}

// retire drops s from the session index once the retention window passes.
// A request whose session was dropped can be started again.
func (c *Coordinator) retire(s *Session) {
	time.AfterFunc(c.cfg.SessionRetention, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.sessions, s.ID)
		if c.byRequest[s.RequestID] == s.ID {
			delete(c.byRequest, s.RequestID)
		}
		log.Debugw("recovery session evicted", "session", s.ID, "request", s.RequestID)
	})
}

func (c *Coordinator) runItem(s *Session, contentID string) {
	start := time.Now()
	blob, err := c.reconstructItem(s.ctx, contentID, func(fn func(*Item)) { s.update(contentID, fn) })
	if err == nil {
		err = c.store.Put(s.ctx, contentID, blob)
	}
	metrics.ItemDuration.Observe(time.Since(start).Seconds())
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warnw("content reconstruction failed", "session", s.ID, "content", contentID, "err", err)
		metrics.ItemOutcomes.WithLabelValues("failed").Inc()
		s.update(contentID, func(it *Item) {
			it.Status = ItemFailed
			it.Reason = core.Code(err)
		})
		return
	}
	metrics.ItemOutcomes.WithLabelValues("complete").Inc()
	s.update(contentID, func(it *Item) { it.Status = ItemComplete })
}

// ReconstructOne runs a single-item reconstruction outside any session and
// persists the result. Concurrent calls for the same content share one run.
func (c *Coordinator) ReconstructOne(ctx context.Context, contentID string) ([]byte, error) {
	if blob, err := c.store.Get(ctx, contentID); err == nil {
		return blob, nil
	}
	ch := c.flight.DoChan(contentID, func() (any, error) {
		blob, err := c.reconstructItem(c.ctx, contentID, func(func(*Item)) {})
		if err != nil {
			metrics.ItemOutcomes.WithLabelValues("failed").Inc()
			return nil, err
		}
		if err := c.store.Put(c.ctx, contentID, blob); err != nil {
			return nil, err
		}
		metrics.ItemOutcomes.WithLabelValues("complete").Inc()
		log.Infow("micro-reconstruction complete", "content", contentID)
		return blob, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// CancelSession stops in-flight fetches for the session. Authorizations are
// untouched.
func (c *Coordinator) CancelSession(sessionID string) bool {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return s.abort()
}

// CancelRequest cancels the session started for a request, if any.
func (c *Coordinator) CancelRequest(requestID string) bool {
	c.mu.RLock()
	id, ok := c.byRequest[requestID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.CancelSession(id)
}

func (c *Coordinator) Session(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Coordinator) SessionForRequest(requestID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byRequest[requestID]
	if !ok {
		return nil, false
	}
	return c.sessions[id], true
}

// Status returns the session's progress or core.ErrNotFound.
func (c *Coordinator) Status(sessionID string) (Progress, error) {
	s, ok := c.Session(sessionID)
	if !ok {
		return Progress{}, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	return s.Progress(), nil
}

// ActiveSessionFor finds a running session of identity that includes
// contentID.
func (c *Coordinator) ActiveSessionFor(identity, contentID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.Identity == identity && s.running() && s.Contains(contentID) {
			return s, true
		}
	}
	return nil, false
}

// Close cancels all sessions and waits for them to exit.
func (c *Coordinator) Close() {
	c.mu.RLock()
	for _, s := range c.sessions {
		s.abort()
	}
	c.mu.RUnlock()
	c.cancel()
	c.wg.Wait()
}
