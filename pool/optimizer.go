package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
)

// RequestOptimizer remembers the newest event timestamp the pool has
// ingested for a (relay, canonical request) pair and injects it as a since
// filter on repeat non-streaming queries, so old events are not refetched.
type RequestOptimizer struct {
	cache *lru.Cache[string, nostr.Timestamp]
}

func NewRequestOptimizer() *RequestOptimizer {
	cache, err := lru.New[string, nostr.Timestamp](optimizerMaxEntries)
	if err != nil {
		panic(err)
	}
	return &RequestOptimizer{cache: cache}
}

// Optimize returns req with each filter's since raised to the recorded
// timestamp for (relay, req). Streaming requests pass through unchanged.
// The caller's request is never mutated.
func (o *RequestOptimizer) Optimize(relay string, req *Request, streaming bool) *Request {
	if streaming {
		return req
	}
	since, ok := o.cache.Get(o.cacheKey(relay, req))
	if !ok {
		return req
	}
	out := req.clone()
	for i := range out.Filters {
		if out.Filters[i].Since == nil || *out.Filters[i].Since < since {
			s := since
			out.Filters[i].Since = &s
		}
	}
	return out
}

// Record upserts the stored timestamp for (relay, req) to the maximum of
// the existing value and eventTime, touching the entry's recency.
func (o *RequestOptimizer) Record(relay string, req *Request, eventTime nostr.Timestamp) {
	key := o.cacheKey(relay, req)
	if existing, ok := o.cache.Get(key); ok && existing >= eventTime {
		o.cache.Add(key, existing)
		return
	}
	o.cache.Add(key, eventTime)
}

func (o *RequestOptimizer) Clear() {
	o.cache.Purge()
}

func (o *RequestOptimizer) Len() int {
	return o.cache.Len()
}

// cacheKey hashes the relay URL together with the canonical request form:
// the stable subscription prefix and every filter with since pinned to
// epoch zero, so re-subscribes and prior optimizations map to one key.
func (o *RequestOptimizer) cacheKey(relay string, req *Request) string {
	zero := nostr.Timestamp(0)
	canonical := make([]any, 0, len(req.Filters)+2)
	canonical = append(canonical, "REQ", req.Prefix())
	for _, f := range req.Filters {
		f.Since = &zero
		canonical = append(canonical, f)
	}
	serialized, err := json.Marshal(canonical)
	if err != nil {
		// filters are plain data; marshalling them cannot fail
		panic(err)
	}
	sum := sha256.Sum256(append([]byte(relay), serialized...))
	return hex.EncodeToString(sum[:])
}
