// Package cache implements the proxy's response cache.
//
// An entry maps an encoded expression plus its show_steps flag to the last
// stored response. Whether an entry may be served is decided per request from
// two independent horizons:
//
//   - the server horizon: the cache_control of the stored response, the
//     longest the origin allows its answer to be reused;
//   - the client horizon: the cache_control of the request, the oldest
//     answer the client is willing to accept.
//
// Both are measured against the age of the stored response (now minus its
// timestamp) and a cache_control of 65535 never expires. The entry is served
// only while both horizons leave strictly positive time. Otherwise the request
// is forwarded to the origin. Stale entries are never served as a fallback
// and entries are never evicted.
//
// Example usage:
//
//	engine := cache.New()
//
//	out, err := engine.Serve(ctx, req, cache.OriginFunc(func(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
//		return forward(ctx, req)
//	}))
//	if err != nil {
//		return err
//	}
//	if out.Hit {
//		log.Printf("served from cache, %.0fs left", out.ServerRemaining)
//	}
//
// All methods are safe for concurrent use.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/calcmir/calcmir/pkg/protocol"
)

// Key identifies a cache entry.
type Key struct {
	// Expression is the encoded expression, byte for byte.
	Expression string
	ShowSteps  bool
}

// KeyOf returns the cache key of a request.
func KeyOf(req *protocol.Header) Key {
	return Key{Expression: string(req.Data()), ShowSteps: req.ShowSteps()}
}

// Origin produces fresh responses for requests the cache cannot answer.
type Origin interface {
	Fetch(ctx context.Context, req *protocol.Header) (*protocol.Header, error)
}

// OriginFunc adapts a function to [Origin].
type OriginFunc func(ctx context.Context, req *protocol.Header) (*protocol.Header, error)

// Fetch implements [Origin].
func (f OriginFunc) Fetch(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	return f(ctx, req)
}

// Outcome describes how a request was served.
type Outcome struct {
	Response *protocol.Header

	Hit      bool // served from the cache, origin not contacted
	Stale    bool // an entry existed but one of its horizons had run out
	Stored   bool // the fresh response was stored
	Bypassed bool // the request had cache_control 0 and skipped the lookup

	// Remaining seconds under each horizon, for the response returned.
	// math.Inf(1) when the horizon is indefinite.
	ServerRemaining float64
	ClientRemaining float64
}

// Description returns a short human readable label for the outcome.
func (o *Outcome) Description() string {
	switch {
	case o.Hit:
		return "cache hit"
	case o.Stale:
		return "cache miss, stale response"
	case o.Stored:
		return "cache miss, response cached"
	default:
		return "cache miss, response not cached"
	}
}

// MarshalLogObject implements [zapcore.ObjectMarshaler].
func (o *Outcome) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("hit", o.Hit)
	enc.AddBool("stale", o.Stale)
	enc.AddBool("stored", o.Stored)
	enc.AddBool("bypassed", o.Bypassed)
	enc.AddFloat64("serverRemaining", o.ServerRemaining)
	enc.AddFloat64("clientRemaining", o.ClientRemaining)
	return nil
}

// Stats holds cumulative counters.
type Stats struct {
	Entries      int
	Hits         uint64
	Misses       uint64
	Stale        uint64
	Bypassed     uint64
	Stores       uint64
	OriginErrors uint64
}

// Engine is the shared response cache of a proxy.
//
// One request at a time runs the lookup, forward and store sequence for a
// given key. Requests for other keys proceed in parallel, including while an
// origin is slow to answer.
type Engine struct {
	// TimeNow returns the current time. Tests replace it.
	TimeNow func() time.Time

	mu      sync.Mutex // guards entries, locks and stats
	entries map[Key]*protocol.Header
	locks   map[Key]*keyLock
	stats   Stats
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Engine using the wall clock.
func New() *Engine {
	return &Engine{
		TimeNow: time.Now,
		entries: make(map[Key]*protocol.Header),
		locks:   make(map[Key]*keyLock),
	}
}

func (e *Engine) now() time.Time {
	if e.TimeNow != nil {
		return e.TimeNow()
	}
	return time.Now()
}

// lockKey blocks until the caller owns key.
func (e *Engine) lockKey(key Key) *keyLock {
	e.mu.Lock()
	kl, ok := e.locks[key]
	if !ok {
		kl = &keyLock{}
		e.locks[key] = kl
	}
	kl.refs++
	e.mu.Unlock()

	kl.mu.Lock()
	return kl
}

func (e *Engine) unlockKey(key Key, kl *keyLock) {
	kl.mu.Unlock()

	e.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(e.locks, key)
	}
	e.mu.Unlock()
}

// Serve answers req from the cache or from origin.
//
// Errors:
//   - a [*protocol.ClientError] if req is not a request;
//   - whatever typed error origin returns ([*protocol.ServerError] when it
//     cannot be reached, [*protocol.ClientError] for a malformed reply);
//     untyped origin errors are wrapped in a [*protocol.ServerError];
//   - a [*protocol.ServerError] if the origin replies with a request.
//
// The cache is left untouched on error.
func (e *Engine) Serve(ctx context.Context, req *protocol.Header, origin Origin) (*Outcome, error) {
	if !req.IsRequest() {
		return nil, &protocol.ClientError{Err: errors.New("received a response instead of a request")}
	}

	key := KeyOf(req)
	kl := e.lockKey(key)
	defer e.unlockKey(key, kl)

	out := &Outcome{}
	if req.CacheControl() == 0 {
		out.Bypassed = true
	} else if entry, ok := e.Get(key); ok {
		out.ServerRemaining, out.ClientRemaining = remaining(entry, req, e.now())
		if out.ServerRemaining > 0 && out.ClientRemaining > 0 {
			out.Response = entry
			out.Hit = true
			e.record(key, out)
			return out, nil
		}
		out.Stale = true
	}

	resp, err := origin.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("origin returned no response")
	}
	if err == nil && resp.IsRequest() {
		err = &protocol.ServerError{Err: errors.New("origin replied with a request instead of a response")}
	}
	if err != nil {
		e.mu.Lock()
		e.stats.OriginErrors++
		e.mu.Unlock()
		return nil, typedOriginError(err)
	}

	out.Response = resp
	out.ServerRemaining, out.ClientRemaining = remaining(resp, req, e.now())
	if req.CacheResult() && resp.CacheResult() && out.ServerRemaining > 0 && out.ClientRemaining > 0 {
		out.Stored = true
	}
	e.record(key, out)
	return out, nil
}

func typedOriginError(err error) error {
	var (
		perr *protocol.ProtocolError
		cerr *protocol.ClientError
		serr *protocol.ServerError
	)
	if errors.As(err, &perr) || errors.As(err, &cerr) || errors.As(err, &serr) {
		return err
	}
	return &protocol.ServerError{Err: fmt.Errorf("origin: %w", err)}
}

// record stores the response if out says so and updates the counters.
func (e *Engine) record(key Key, out *Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case out.Hit:
		e.stats.Hits++
	case out.Stale:
		e.stats.Stale++
	case out.Bypassed:
		e.stats.Bypassed++
	default:
		e.stats.Misses++
	}
	if out.Stored {
		e.entries[key] = out.Response
		e.stats.Stores++
	}
}

// remaining returns the seconds left under the server horizon (taken from
// stored) and the client horizon (taken from req).
func remaining(stored, req *protocol.Header, now time.Time) (server, client float64) {
	age := float64(now.Unix() - int64(stored.Timestamp()))
	return horizon(stored.CacheControl()) - age, horizon(req.CacheControl()) - age
}

func horizon(cacheControl uint16) float64 {
	if cacheControl == protocol.MaxCacheControl {
		return math.Inf(1)
	}
	return float64(cacheControl)
}

// Get returns the stored response for key, fresh or not.
func (e *Engine) Get(key Key) (*protocol.Header, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.entries[key]
	return h, ok
}

// Len returns the number of stored entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Entries = len(e.entries)
	return s
}
