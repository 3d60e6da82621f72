// Package ids provides the hub's internal ID allocator and the reversible
// external-ID codec used to hide monotonic internal IDs from callers.
//
// Internal IDs are positive 63-bit integers, unique within a store
// instance, assigned monotonically, and never reused. The external
// codec wraps github.com/speps/go-hashids so an internal ID never
// appears verbatim on the wire; decoding a tampered or foreign token
// yields a non-positive result rather than an error — a zero or
// negative decode result is a "not found" signal, not an error.
package ids

import (
	"errors"
	"sync/atomic"

	"github.com/speps/go-hashids"
)

// Allocator hands out monotonically increasing, never-reused internal
// IDs. It is safe for concurrent use: a process-wide atomic counter
// per store.
type Allocator struct {
	counter int64
}

// NewAllocator returns an Allocator whose first Next() call returns
// start+1. Pass the highest ID already persisted for a store being
// reopened so IDs keep climbing across restarts.
func NewAllocator(start int64) *Allocator {
	return &Allocator{counter: start}
}

// Next returns the next internal ID, a positive 63-bit integer.
func (a *Allocator) Next() int64 {
	return atomic.AddInt64(&a.counter, 1)
}

// Observe advances the allocator so that subsequent Next() calls never
// return an ID <= id. Used when replaying persisted entries at startup.
func (a *Allocator) Observe(id int64) {
	for {
		cur := atomic.LoadInt64(&a.counter)
		if id <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&a.counter, cur, id) {
			return
		}
	}
}

// Codec encodes/decodes internal IDs into an obfuscated external token.
// Encoding is process-scoped: two Codecs built from different salts
// produce unrelated tokens for the same ID.
type Codec struct {
	hd *hashids.HashID
}

// NewCodec builds a Codec from salt, a per-process secret. An empty salt
// is rejected since it would make the scrambling globally predictable.
func NewCodec(salt string) (*Codec, error) {
	if salt == "" {
		return nil, errors.New("ids: codec salt must not be empty")
	}
	data := hashids.NewData()
	data.Salt = salt
	data.MinLength = 8
	hd, err := hashids.NewWithData(data)
	if err != nil {
		return nil, err
	}
	return &Codec{hd: hd}, nil
}

// Encode turns a positive internal ID into its external token.
func (c *Codec) Encode(id int64) (string, error) {
	return c.hd.EncodeInt64([]int64{id})
}

// Decode turns an external token back into an internal ID. Any decode
// failure, including a tampered or foreign token, returns 0 rather than
// an error: a non-positive result is the "not found" signal, not an
// exceptional condition.
func (c *Codec) Decode(token string) int64 {
	if token == "" {
		return 0
	}
	values, err := c.hd.DecodeInt64WithError(token)
	if err != nil || len(values) != 1 {
		return 0
	}
	if values[0] <= 0 {
		return 0
	}
	return values[0]
}
