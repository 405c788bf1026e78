package cache

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcmir/calcmir/pkg/expression"
	"github.com/calcmir/calcmir/pkg/protocol"
)

var t0 = time.Unix(1_700_000_000, 0)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newEngine(at time.Time) (*Engine, *clock) {
	c := &clock{now: at}
	e := New()
	e.TimeNow = c.Now
	return e, c
}

func request(t *testing.T, cacheControl uint16, cacheResult bool) *protocol.Header {
	t.Helper()
	req, err := protocol.NewRequest(expression.Add(expression.Num(1), expression.Num(2)), protocol.Options{
		ShowSteps:    true,
		CacheResult:  cacheResult,
		CacheControl: cacheControl,
	})
	require.NoError(t, err)
	return req
}

// origin answers with a 200 response stamped by the clock and counts calls.
type origin struct {
	clock        *clock
	cacheControl uint16
	cacheResult  bool
	calls        atomic.Int64
}

func (o *origin) Fetch(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	n := o.calls.Add(1)
	return protocol.NewResult(float64(n), nil, protocol.Options{
		CacheResult:  o.cacheResult,
		CacheControl: o.cacheControl,
		Time:         o.clock.Now(),
	})
}

func TestServeFreshness(t *testing.T) {
	e, c := newEngine(t0)
	o := &origin{clock: c, cacheControl: 10, cacheResult: true}
	ctx := context.Background()

	out, err := e.Serve(ctx, request(t, 20, true), o)
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.True(t, out.Stored)
	assert.Equal(t, 10.0, out.ServerRemaining)
	assert.Equal(t, 20.0, out.ClientRemaining)
	assert.Equal(t, int64(1), o.calls.Load())
	assert.Equal(t, 1, e.Len())

	// t0+5: 5s left for the server, 15s for the client.
	c.Set(t0.Add(5 * time.Second))
	out, err = e.Serve(ctx, request(t, 20, true), o)
	require.NoError(t, err)
	assert.True(t, out.Hit)
	assert.False(t, out.Stale)
	assert.Equal(t, 5.0, out.ServerRemaining)
	assert.Equal(t, 15.0, out.ClientRemaining)
	assert.Equal(t, int64(1), o.calls.Load())
	value, _, err := out.Response.Result()
	require.NoError(t, err)
	assert.Equal(t, 1.0, value)

	// t0+15: the server horizon has run out.
	c.Set(t0.Add(15 * time.Second))
	out, err = e.Serve(ctx, request(t, 20, true), o)
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.True(t, out.Stale)
	assert.True(t, out.Stored)
	assert.Equal(t, int64(2), o.calls.Load())
	value, _, err = out.Response.Result()
	require.NoError(t, err)
	assert.Equal(t, 2.0, value)

	stored, ok := e.Get(KeyOf(request(t, 20, true)))
	require.True(t, ok)
	assert.Same(t, out.Response, stored)
}

func TestServeClientHorizon(t *testing.T) {
	e, c := newEngine(t0)
	o := &origin{clock: c, cacheControl: protocol.MaxCacheControl, cacheResult: true}
	ctx := context.Background()

	_, err := e.Serve(ctx, request(t, protocol.MaxCacheControl, true), o)
	require.NoError(t, err)

	c.Set(t0.Add(time.Hour))
	out, err := e.Serve(ctx, request(t, protocol.MaxCacheControl, true), o)
	require.NoError(t, err)
	assert.True(t, out.Hit)
	assert.True(t, math.IsInf(out.ServerRemaining, 1))
	assert.True(t, math.IsInf(out.ClientRemaining, 1))

	// The client only accepts answers younger than 30s.
	out, err = e.Serve(ctx, request(t, 30, true), o)
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Equal(t, int64(2), o.calls.Load())
}

func TestServeExactExpiryIsStale(t *testing.T) {
	e, c := newEngine(t0)
	o := &origin{clock: c, cacheControl: 10, cacheResult: true}

	_, err := e.Serve(context.Background(), request(t, 20, true), o)
	require.NoError(t, err)

	c.Set(t0.Add(10 * time.Second))
	out, err := e.Serve(context.Background(), request(t, 20, true), o)
	require.NoError(t, err)
	assert.True(t, out.Stale)
}

func TestServeBypass(t *testing.T) {
	e, c := newEngine(t0)
	o := &origin{clock: c, cacheControl: 10, cacheResult: true}
	ctx := context.Background()

	_, err := e.Serve(ctx, request(t, 20, true), o)
	require.NoError(t, err)

	for range 3 {
		out, err := e.Serve(ctx, request(t, 0, true), o)
		require.NoError(t, err)
		assert.True(t, out.Bypassed)
		assert.False(t, out.Hit)
		// A zero client horizon is never fresh, so nothing is stored.
		assert.False(t, out.Stored)
	}
	assert.Equal(t, int64(4), o.calls.Load())

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Bypassed)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Stores)
	assert.Equal(t, 1, stats.Entries)
}

func TestServeStoreRules(t *testing.T) {
	tests := []struct {
		name             string
		reqCacheResult   bool
		respCacheResult  bool
		respCacheControl uint16
		reqCacheControl  uint16
		stored           bool
	}{
		{"both opt in", true, true, 10, 20, true},
		{"client opts out", false, true, 10, 20, false},
		{"server opts out", true, false, 10, 20, false},
		{"server horizon zero", true, true, 0, 20, false},
		{"indefinite", true, true, protocol.MaxCacheControl, protocol.MaxCacheControl, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, c := newEngine(t0)
			o := &origin{clock: c, cacheControl: tt.respCacheControl, cacheResult: tt.respCacheResult}

			out, err := e.Serve(context.Background(), request(t, tt.reqCacheControl, tt.reqCacheResult), o)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, out.Stored)
			if tt.stored {
				assert.Equal(t, 1, e.Len())
			} else {
				assert.Zero(t, e.Len())
			}
		})
	}
}

func TestServeResponseAlreadyOld(t *testing.T) {
	e, _ := newEngine(t0.Add(time.Minute))
	// The origin clock lags a minute behind the proxy.
	o := &origin{clock: &clock{now: t0}, cacheControl: 10, cacheResult: true}

	out, err := e.Serve(context.Background(), request(t, 20, true), o)
	require.NoError(t, err)
	assert.False(t, out.Stored)
	assert.Equal(t, -50.0, out.ServerRemaining)
	assert.Equal(t, 0, e.Len())
}

func TestServeShowStepsIsPartOfKey(t *testing.T) {
	e, c := newEngine(t0)
	o := &origin{clock: c, cacheControl: 10, cacheResult: true}

	expr := expression.Sqrt(expression.Num(16))
	withSteps, err := protocol.NewRequest(expr, protocol.Options{ShowSteps: true, CacheResult: true, CacheControl: 20})
	require.NoError(t, err)
	without, err := protocol.NewRequest(expr, protocol.Options{CacheResult: true, CacheControl: 20})
	require.NoError(t, err)

	_, err = e.Serve(context.Background(), withSteps, o)
	require.NoError(t, err)
	out, err := e.Serve(context.Background(), without, o)
	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, 2, e.Len())
	assert.NotEqual(t, KeyOf(withSteps), KeyOf(without))
}

func TestServeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("response instead of request", func(t *testing.T) {
		e, c := newEngine(t0)
		resp, err := protocol.NewResult(1, nil, protocol.Options{})
		require.NoError(t, err)
		_, err = e.Serve(ctx, resp, &origin{clock: c})
		var cerr *protocol.ClientError
		assert.ErrorAs(t, err, &cerr)
	})

	t.Run("unreachable origin with stale entry", func(t *testing.T) {
		e, c := newEngine(t0)
		_, err := e.Serve(ctx, request(t, 20, true), &origin{clock: c, cacheControl: 10, cacheResult: true})
		require.NoError(t, err)

		c.Set(t0.Add(time.Minute))
		down := OriginFunc(func(context.Context, *protocol.Header) (*protocol.Header, error) {
			return nil, &protocol.ServerError{Err: errors.New("connection refused")}
		})
		_, err = e.Serve(ctx, request(t, 20, true), down)
		var serr *protocol.ServerError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, uint64(1), e.Stats().OriginErrors)
	})

	t.Run("untyped origin error", func(t *testing.T) {
		e, _ := newEngine(t0)
		_, err := e.Serve(ctx, request(t, 20, true), OriginFunc(func(context.Context, *protocol.Header) (*protocol.Header, error) {
			return nil, errors.New("boom")
		}))
		var serr *protocol.ServerError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("malformed origin reply", func(t *testing.T) {
		e, _ := newEngine(t0)
		_, err := e.Serve(ctx, request(t, 20, true), OriginFunc(func(context.Context, *protocol.Header) (*protocol.Header, error) {
			return protocol.Decode([]byte{1, 2, 3})
		}))
		var perr *protocol.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.StatusClientError, protocol.StatusOf(err))
	})

	t.Run("origin replies with a request", func(t *testing.T) {
		e, _ := newEngine(t0)
		_, err := e.Serve(ctx, request(t, 20, true), OriginFunc(func(_ context.Context, req *protocol.Header) (*protocol.Header, error) {
			return req, nil
		}))
		var serr *protocol.ServerError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, 0, e.Len())
	})

	t.Run("nil response", func(t *testing.T) {
		e, _ := newEngine(t0)
		_, err := e.Serve(ctx, request(t, 20, true), OriginFunc(func(context.Context, *protocol.Header) (*protocol.Header, error) {
			return nil, nil
		}))
		var serr *protocol.ServerError
		require.ErrorAs(t, err, &serr)
	})
}

func TestServeConcurrentSameKey(t *testing.T) {
	e, c := newEngine(t0)
	o := &origin{clock: c, cacheControl: 10, cacheResult: true}

	const workers = 32
	reqs := make([]*protocol.Header, workers)
	for i := range reqs {
		cc := uint16(20)
		if i%4 == 0 {
			cc = 0
		}
		reqs[i] = request(t, cc, true)
	}

	var wg sync.WaitGroup
	results := make([]*Outcome, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Serve(context.Background(), reqs[i], o)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.Len())
	stored, ok := e.Get(KeyOf(request(t, 20, true)))
	require.True(t, ok)
	value, _, err := stored.Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, value, 1.0)
	assert.LessOrEqual(t, value, float64(o.calls.Load()))

	stats := e.Stats()
	assert.Equal(t, uint64(workers), stats.Hits+stats.Misses+stats.Stale+stats.Bypassed)
	assert.Equal(t, uint64(o.calls.Load()), stats.Misses+stats.Stale+stats.Bypassed)
	for _, out := range results {
		require.NotNil(t, out)
		require.NotNil(t, out.Response)
	}
}

func TestServeOtherKeysNotBlocked(t *testing.T) {
	e, c := newEngine(t0)
	release := make(chan struct{})
	entered := make(chan struct{})

	slow := OriginFunc(func(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
		close(entered)
		<-release
		return protocol.NewResult(0, nil, protocol.Options{Time: c.Now()})
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Serve(context.Background(), request(t, 20, true), slow)
		assert.NoError(t, err)
	}()
	<-entered

	other, err := protocol.NewRequest(expression.Pi(), protocol.Options{CacheResult: true, CacheControl: 20})
	require.NoError(t, err)
	out, err := e.Serve(context.Background(), other, &origin{clock: c, cacheControl: 10, cacheResult: true})
	require.NoError(t, err)
	assert.True(t, out.Stored)

	close(release)
	<-done
}

func TestOutcomeDescription(t *testing.T) {
	assert.Equal(t, "cache hit", (&Outcome{Hit: true}).Description())
	assert.Equal(t, "cache miss, stale response", (&Outcome{Stale: true, Stored: true}).Description())
	assert.Equal(t, "cache miss, response cached", (&Outcome{Stored: true}).Description())
	assert.Equal(t, "cache miss, response not cached", (&Outcome{}).Description())
}
