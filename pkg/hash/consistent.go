// Package hash spreads cache keys over a set of origin servers.
//
// A proxy configured with several origins places each of them on a hash ring
// at many virtual positions. A request goes to the first origin clockwise
// from the position of its cache key, so identical expressions always reach
// the same origin, and a ring with one origin more or less only moves a
// fraction of the keys.
//
// Example usage:
//
//	ring := hash.New(hash.DefaultVirtualNodes, "10.0.0.1:9999", "10.0.0.2:9999")
//	addr, ok := ring.Pick(key.Expression)
//	if !ok {
//		return errors.New("no origin configured")
//	}
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"slices"
	"strconv"
	"sync"
)

// DefaultVirtualNodes is the number of ring positions per origin.
const DefaultVirtualNodes = 150

// Ring is a consistent hash ring of origin addresses. It is safe for
// concurrent use.
type Ring struct {
	mu           sync.RWMutex
	owners       map[uint32]string // position -> origin
	positions    []uint32          // sorted
	origins      map[string]struct{}
	virtualNodes int
}

// New returns a ring holding origins. If virtualNodes is <= 0,
// DefaultVirtualNodes is used.
func New(virtualNodes int, origins ...string) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	r := &Ring{
		owners:       make(map[uint32]string),
		origins:      make(map[string]struct{}),
		virtualNodes: virtualNodes,
	}
	for _, origin := range origins {
		r.add(origin)
	}
	return r
}

// add places origin on the ring. Adding an origin twice is a no-op.
func (r *Ring) add(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.origins[origin]; ok {
		return
	}
	r.origins[origin] = struct{}{}
	for i := range r.virtualNodes {
		pos := position(origin + "#" + strconv.Itoa(i))
		if _, taken := r.owners[pos]; taken {
			continue
		}
		r.owners[pos] = origin
		r.positions = append(r.positions, pos)
	}
	slices.Sort(r.positions)
}

// Pick returns the origin responsible for key. It reports false when the
// ring is empty.
func (r *Ring) Pick(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return "", false
	}
	idx, _ := slices.BinarySearch(r.positions, position(key))
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]], true
}

// Origins returns the origins on the ring, sorted.
func (r *Ring) Origins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.origins))
	for origin := range r.origins {
		out = append(out, origin)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of origins on the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.origins)
}

// position maps s to a ring position using the first 4 bytes of its SHA-256.
func position(s string) uint32 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}
