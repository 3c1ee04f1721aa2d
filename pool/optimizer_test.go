package pool

import (
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRelay = "wss://relay.example.com"

func TestOptimizeStreamingIsIdentity(t *testing.T) {
	o := NewRequestOptimizer()
	req := NewRequest("feed", nostr.Filter{Kinds: []int{1}})
	o.Record(testRelay, req, 1700000000)

	got := o.Optimize(testRelay, req, true)
	assert.Same(t, req, got)
	assert.Nil(t, got.Filters[0].Since)
}

func TestOptimizeWithoutRecordIsIdentity(t *testing.T) {
	o := NewRequestOptimizer()
	req := NewRequest("feed", nostr.Filter{Kinds: []int{1}})

	got := o.Optimize(testRelay, req, false)
	assert.Same(t, req, got)
}

func TestOptimizeInjectsRecordedSince(t *testing.T) {
	tests := []struct {
		name      string
		recorded  []nostr.Timestamp
		callSince *nostr.Timestamp
		want      nostr.Timestamp
	}{
		{name: "single record", recorded: []nostr.Timestamp{1700000000}, want: 1700000000},
		{name: "max of records", recorded: []nostr.Timestamp{1700000005, 1700000002}, want: 1700000005},
		{name: "caller since wins when newer", recorded: []nostr.Timestamp{100}, callSince: ptr(nostr.Timestamp(200)), want: 200},
		{name: "recorded wins when newer", recorded: []nostr.Timestamp{300}, callSince: ptr(nostr.Timestamp(200)), want: 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewRequestOptimizer()
			req := NewRequest("feed", nostr.Filter{Kinds: []int{1}, Since: tt.callSince})
			for _, ts := range tt.recorded {
				o.Record(testRelay, req, ts)
			}
			got := o.Optimize(testRelay, req, false)
			require.NotNil(t, got.Filters[0].Since)
			assert.Equal(t, tt.want, *got.Filters[0].Since)
			// the input request is never mutated
			assert.Equal(t, tt.callSince, req.Filters[0].Since)
		})
	}
}

func TestOptimizeKeyedByStablePrefix(t *testing.T) {
	o := NewRequestOptimizer()
	filter := nostr.Filter{Kinds: []int{1}, Limit: 10}

	first := NewRequest("feed", filter)
	o.Record(testRelay, first, 1700000000)

	// a fresh nonce, same prefix and filters, maps to the same entry
	second := NewRequest("feed", filter)
	got := o.Optimize(testRelay, second, false)
	require.NotNil(t, got.Filters[0].Since)
	assert.Equal(t, nostr.Timestamp(1700000000), *got.Filters[0].Since)

	// a different relay does not
	got = o.Optimize("wss://other.example.com", second, false)
	assert.Nil(t, got.Filters[0].Since)

	// a different prefix does not
	got = o.Optimize(testRelay, NewRequest("profile", filter), false)
	assert.Nil(t, got.Filters[0].Since)
}

func TestOptimizeCanonicalIgnoresSince(t *testing.T) {
	o := NewRequestOptimizer()
	since := nostr.Timestamp(500)
	o.Record(testRelay, NewRequest("feed", nostr.Filter{Kinds: []int{1}, Since: &since}), 1700000000)

	got := o.Optimize(testRelay, NewRequest("feed", nostr.Filter{Kinds: []int{1}}), false)
	require.NotNil(t, got.Filters[0].Since)
	assert.Equal(t, nostr.Timestamp(1700000000), *got.Filters[0].Since)
}

func TestRecordEvictsLeastRecentlyUsed(t *testing.T) {
	o := NewRequestOptimizer()
	firstReq := NewRequest("prefix0", nostr.Filter{Kinds: []int{0}})
	o.Record(testRelay, firstReq, 100)
	for i := 1; i <= optimizerMaxEntries; i++ {
		req := NewRequest(fmt.Sprintf("prefix%d", i), nostr.Filter{Kinds: []int{i}})
		o.Record(testRelay, req, nostr.Timestamp(i))
	}

	assert.Equal(t, optimizerMaxEntries, o.Len())
	got := o.Optimize(testRelay, firstReq, false)
	assert.Nil(t, got.Filters[0].Since, "first-inserted key must be evicted")
}

func TestClearWipesCache(t *testing.T) {
	o := NewRequestOptimizer()
	req := NewRequest("feed", nostr.Filter{Kinds: []int{1}})
	o.Record(testRelay, req, 1700000000)
	require.Equal(t, 1, o.Len())

	o.Clear()
	assert.Equal(t, 0, o.Len())
	got := o.Optimize(testRelay, req, false)
	assert.Nil(t, got.Filters[0].Since)
}

func ptr[T any](v T) *T {
	return &v
}
