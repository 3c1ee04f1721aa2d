package pool

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
)

// flushPolicy distinguishes the two query semantics sharing one buffer.
type flushPolicy interface {
	streaming() bool
}

// batchedPolicy resolves a blocking query exactly once with the full
// deduplicated result set.
type batchedPolicy struct {
	done     chan []*nostr.Event
	resolved bool
}

func (*batchedPolicy) streaming() bool { return false }

// progressivePolicy flushes batches repeatedly for the lifetime of a
// streaming subscription.
type progressivePolicy struct{}

func (*progressivePolicy) streaming() bool { return true }

// SubscriptionBuffer dedupes events per subscription, tracks which relays
// have signalled EOSE, and schedules flushes. It is owned by the pool's
// run goroutine; timers re-enter through the injected post function.
type SubscriptionBuffer struct {
	id           string
	targetRelays map[string]struct{}
	policy       flushPolicy
	eventFilter  func(*nostr.Event) bool
	batchWindow  time.Duration

	events      map[string]*nostr.Event
	relaysForID map[string]map[string]struct{}
	eose        map[string]time.Time

	totalReceived int

	post    func(func())
	onFlush func(events []*nostr.Event, relaysForID map[string][]string)

	batchTimer      *time.Timer
	firstFlushTimer *time.Timer
	finalTimer      *time.Timer

	disposed bool
}

type bufferConfig struct {
	ID          string
	Targets     []string
	Policy      flushPolicy
	EventFilter func(*nostr.Event) bool
	BatchWindow time.Duration
	Post        func(func())
	OnFlush     func([]*nostr.Event, map[string][]string)
}

func newSubscriptionBuffer(cfg bufferConfig) *SubscriptionBuffer {
	targets := make(map[string]struct{}, len(cfg.Targets))
	for _, url := range cfg.Targets {
		targets[url] = struct{}{}
	}
	return &SubscriptionBuffer{
		id:           cfg.ID,
		targetRelays: targets,
		policy:       cfg.Policy,
		eventFilter:  cfg.EventFilter,
		batchWindow:  cfg.BatchWindow,
		events:       make(map[string]*nostr.Event),
		relaysForID:  make(map[string]map[string]struct{}),
		eose:         make(map[string]time.Time),
		post:         cfg.Post,
		onFlush:      cfg.OnFlush,
	}
}

// AddEvent ingests one event from one relay. The relay is always recorded
// against the event id; the event itself is stored only on first delivery.
func (b *SubscriptionBuffer) AddEvent(relay string, evt *nostr.Event) {
	if b.disposed {
		return
	}
	if b.eventFilter != nil && !b.eventFilter(evt) {
		return
	}
	relays, ok := b.relaysForID[evt.ID]
	if !ok {
		relays = make(map[string]struct{})
		b.relaysForID[evt.ID] = relays
	}
	relays[relay] = struct{}{}
	if _, seen := b.events[evt.ID]; seen {
		return
	}
	b.events[evt.ID] = evt
	b.totalReceived++
	if b.policy.streaming() && b.batchTimer == nil {
		b.batchTimer = time.AfterFunc(b.batchWindow, func() {
			b.post(func() {
				b.batchTimer = nil
				b.Flush()
			})
		})
	}
}

// MarkEOSE records that a target relay has delivered its stored events.
// It reports whether the full target set has now signalled EOSE; on a
// first partial EOSE it arms the early-flush timer instead.
func (b *SubscriptionBuffer) MarkEOSE(relay string) bool {
	if b.disposed {
		return false
	}
	if _, ok := b.targetRelays[relay]; !ok {
		return false
	}
	if _, ok := b.eose[relay]; !ok {
		b.eose[relay] = time.Now()
	}
	if b.eoseComplete() {
		b.stopTimer(&b.firstFlushTimer)
		b.stopTimer(&b.finalTimer)
		b.Flush()
		return true
	}
	if len(b.eose) == 1 && b.firstFlushTimer == nil {
		b.firstFlushTimer = time.AfterFunc(b.batchWindow, func() {
			b.post(func() {
				b.firstFlushTimer = nil
				b.flushPartial()
			})
		})
	}
	return false
}

// EOSERelays returns the relays that have signalled EOSE so far.
func (b *SubscriptionBuffer) EOSERelays() map[string]time.Time {
	out := make(map[string]time.Time, len(b.eose))
	for url, at := range b.eose {
		out[url] = at
	}
	return out
}

func (b *SubscriptionBuffer) eoseComplete() bool {
	return len(b.eose) == len(b.targetRelays)
}

// ArmFinalTimeout schedules fn once after d, cancelled if EOSE completes
// or the buffer is disposed first.
func (b *SubscriptionBuffer) ArmFinalTimeout(d time.Duration, fn func()) {
	b.stopTimer(&b.finalTimer)
	b.finalTimer = time.AfterFunc(d, func() {
		b.post(func() {
			if b.disposed || b.finalTimer == nil {
				return
			}
			b.finalTimer = nil
			fn()
		})
	})
}

// Flush snapshots the buffered events and hands them to onFlush. A
// streaming buffer is cleared afterwards; a blocking one retains its maps
// and resolves its completer. An empty flush is a no-op except that it
// still resolves a pending completer with an empty list.
func (b *SubscriptionBuffer) Flush() {
	b.stopTimer(&b.batchTimer)
	events, relays := b.snapshot()
	if len(events) > 0 {
		b.onFlush(events, relays)
		if b.policy.streaming() {
			b.events = make(map[string]*nostr.Event)
			b.relaysForID = make(map[string]map[string]struct{})
		}
	}
	b.resolve(events)
}

// flushPartial emits what is buffered without resolving a blocking
// completer; used by the early-flush timer while EOSE is incomplete.
func (b *SubscriptionBuffer) flushPartial() {
	if b.disposed {
		return
	}
	events, relays := b.snapshot()
	if len(events) == 0 {
		return
	}
	b.onFlush(events, relays)
	if b.policy.streaming() {
		b.stopTimer(&b.batchTimer)
		b.events = make(map[string]*nostr.Event)
		b.relaysForID = make(map[string]map[string]struct{})
	}
}

// Dispose cancels all timers and resolves an unresolved completer with
// whatever is buffered.
func (b *SubscriptionBuffer) Dispose() {
	if b.disposed {
		return
	}
	b.stopTimer(&b.batchTimer)
	b.stopTimer(&b.firstFlushTimer)
	b.stopTimer(&b.finalTimer)
	events, _ := b.snapshot()
	b.resolve(events)
	b.disposed = true
}

func (b *SubscriptionBuffer) resolve(events []*nostr.Event) {
	bp, ok := b.policy.(*batchedPolicy)
	if !ok || bp.resolved {
		return
	}
	bp.resolved = true
	bp.done <- events
	close(bp.done)
}

func (b *SubscriptionBuffer) snapshot() ([]*nostr.Event, map[string][]string) {
	events := make([]*nostr.Event, 0, len(b.events))
	for _, evt := range b.events {
		events = append(events, evt)
	}
	relays := make(map[string][]string, len(b.relaysForID))
	for id, set := range b.relaysForID {
		relays[id] = lo.Keys(set)
	}
	return events, relays
}

func (b *SubscriptionBuffer) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
