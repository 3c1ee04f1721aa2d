package pool

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithResponseTimeout sets the deadline for blocking queries and
// publishes.
func WithResponseTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.responseTimeout = d
	}
}

// WithBatchWindow sets the streaming batch-flush window, which also paces
// state emission.
func WithBatchWindow(d time.Duration) Option {
	return func(p *Pool) {
		p.batchWindow = d
	}
}

// WithRelayGroups registers named relay groups resolvable from a Source
// via "@name" entries.
func WithRelayGroups(groups map[string][]string) Option {
	return func(p *Pool) {
		for name, urls := range groups {
			p.groups[name] = urls
		}
	}
}

// WithDialer overrides the websocket dialer used for every socket.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(p *Pool) {
		p.dialer = dialer
	}
}

// WithOnEvents registers the flush callback. It runs on the pool's run
// goroutine and must not block.
func WithOnEvents(fn func(subID string, events []*nostr.Event, relaysForID map[string][]string)) Option {
	return func(p *Pool) {
		p.onEvents = fn
	}
}

// WithOnState registers the snapshot observer.
func WithOnState(fn func(PoolState)) Option {
	return func(p *Pool) {
		p.onState = fn
	}
}

// WithOnPublishResponse registers the terminal publish callback,
// mirroring the channel returned by Publish.
func WithOnPublishResponse(fn func(publishID string, resp *PublishResponse)) Option {
	return func(p *Pool) {
		p.onPublishResponse = fn
	}
}
