package pool

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
)

// Request is a subscription request: a stable prefix plus a random nonce,
// joined as "<prefix>-<nonce>", and the filters to send to each relay.
// Only the prefix survives a re-subscribe; the nonce changes every time.
type Request struct {
	ID      string
	Filters nostr.Filters
}

// NewRequest builds a request with a fresh nonce for the given prefix.
// The prefix must not contain a dash.
func NewRequest(prefix string, filters ...nostr.Filter) *Request {
	return &Request{
		ID:      prefix + "-" + uuid.NewString(),
		Filters: filters,
	}
}

// Prefix returns the stable part of the subscription id.
func (r *Request) Prefix() string {
	if i := strings.Index(r.ID, "-"); i >= 0 {
		return r.ID[:i]
	}
	return r.ID
}

// clone returns a request with the same id and a shallow copy of every
// filter, so the caller's filters are never mutated by optimization.
func (r *Request) clone() *Request {
	filters := make(nostr.Filters, len(r.Filters))
	copy(filters, r.Filters)
	return &Request{ID: r.ID, Filters: filters}
}

// Source declares where a query goes and how its results flow back.
type Source struct {
	// Relays are the target relay URLs. An entry of the form "@name" is
	// resolved against the pool's relay groups.
	Relays []string

	// Stream keeps the subscription open past EOSE. Live events are
	// delivered through the pool's OnEvents callback until Unsubscribe.
	Stream bool

	// EventFilter rejects events on ingest, before dedup and buffering.
	EventFilter func(*nostr.Event) bool

	// CachedFor answers a repeated query from the pool's result cache
	// without touching the network. Setting it forces Stream off.
	CachedFor time.Duration
}

// resolveRelays expands group references and normalizes every URL,
// dropping duplicates while keeping first-seen order.
func resolveRelays(relays []string, groups map[string][]string) []string {
	expanded := make([]string, 0, len(relays))
	for _, r := range relays {
		if name, ok := strings.CutPrefix(r, "@"); ok {
			expanded = append(expanded, groups[name]...)
			continue
		}
		expanded = append(expanded, r)
	}
	normalized := lo.Map(expanded, func(u string, _ int) string {
		return nostr.NormalizeURL(u)
	})
	return lo.Uniq(normalized)
}
