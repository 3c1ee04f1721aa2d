package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

const (
	relayTimeout           = 5 * time.Second
	initialReconnectDelay  = 100 * time.Millisecond
	maxReconnectDelay      = 30 * time.Second
	pingIdleThreshold      = 55 * time.Second
	healthCheckInterval    = 60 * time.Second
	maxRetries             = 20
	maxLogEntries          = 200
	optimizerMaxEntries    = 1000
	defaultResponseTimeout = 10 * time.Second
	defaultBatchWindow     = 100 * time.Millisecond
	protocolErrorLimit     = 3
	protocolErrorWindow    = 10 * time.Second
	probePrefix            = "probe"
)

var ErrPoolDisposed = errors.New("pool is disposed")

// Pool multiplexes logical subscriptions over persistent connections to a
// set of relays. All internal state is owned by a single run goroutine;
// sockets, timers, and public API calls re-enter through its inbox, so no
// locks guard the maps below. Callbacks fire on the run goroutine and must
// not block.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	responseTimeout time.Duration
	batchWindow     time.Duration
	groups          map[string][]string
	dialer          *websocket.Dialer

	onEvents          func(subID string, events []*nostr.Event, relaysForID map[string][]string)
	onState           func(PoolState)
	onPublishResponse func(publishID string, resp *PublishResponse)

	inbox   chan func()
	sockets *xsync.MapOf[string, *Socket]

	relays     map[string]*relayState
	subs       map[string]*subscription
	publishes  map[string]*publishTracker
	optimizer  *RequestOptimizer
	results    map[string]cachedResult
	logs       *logRing
	stateTimer *time.Timer

	fatalErr error
	disposed *atomic.Bool
}

type relayState struct {
	url        string
	connected  bool
	connecting bool
	attempts   int
	retryTimer *time.Timer
	probeSubID string
	probeTimer *time.Timer
	strikes    []time.Time
}

type subscription struct {
	req          *Request
	source       Source
	relays       []string
	buf          *SubscriptionBuffer
	phases       map[string]RelaySubPhase
	closedRelays map[string]struct{}
	cacheKey     string
}

func (s *subscription) blocking() bool {
	return !s.buf.policy.streaming()
}

type cachedResult struct {
	events  []*nostr.Event
	expires time.Time
}

func New(ctx context.Context, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:             ctx,
		cancel:          cancel,
		responseTimeout: defaultResponseTimeout,
		batchWindow:     defaultBatchWindow,
		groups:          make(map[string][]string),
		inbox:           make(chan func(), 256),
		sockets:         xsync.NewMapOf[string, *Socket](),
		relays:          make(map[string]*relayState),
		subs:            make(map[string]*subscription),
		publishes:       make(map[string]*publishTracker),
		optimizer:       NewRequestOptimizer(),
		results:         make(map[string]cachedResult),
		logs:            newLogRing(maxLogEntries),
		disposed:        atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

func (p *Pool) run() {
	health := time.NewTicker(healthCheckInterval)
	defer health.Stop()
	for {
		select {
		case fn := <-p.inbox:
			p.execute(fn)
		case <-health.C:
			p.execute(p.checkHealth)
		case <-p.ctx.Done():
			return
		}
	}
}

// execute runs one inbox thunk. A panic is an internal invariant
// violation: the pool surfaces it on the next state emission and tears
// itself down.
func (p *Pool) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.fatalErr = fmt.Errorf("pool invariant violation: %v", r)
			p.logf(slog.LevelError, "pool entered fatal state", "", "error", p.fatalErr)
			p.emitStateNow()
			go p.Dispose()
		}
	}()
	fn()
}

func (p *Pool) post(fn func()) bool {
	select {
	case p.inbox <- fn:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Query issues req against the source relays. For a non-streaming source
// the returned channel delivers the deduplicated result set exactly once
// (after all relays EOSE or the response timeout) and is then closed. For
// a streaming source the channel is nil and events flow through the
// OnEvents callback until Unsubscribe. A source with CachedFor set is
// forced non-streaming and may be answered from the result cache.
func (p *Pool) Query(req *Request, source Source) (<-chan []*nostr.Event, error) {
	if p.disposed.Load() {
		return nil, ErrPoolDisposed
	}
	if source.CachedFor > 0 {
		source.Stream = false
	}
	if source.Stream {
		p.post(func() { p.startSubscription(req, source, nil) })
		return nil, nil
	}
	done := make(chan []*nostr.Event, 1)
	if !p.post(func() { p.startSubscription(req, source, done) }) {
		done <- nil
		close(done)
	}
	return done, nil
}

// Unsubscribe closes the subscription: CLOSE goes to each connected target
// relay, timers are cancelled, and a pending query resolves with whatever
// is buffered.
func (p *Pool) Unsubscribe(subID string) {
	if p.disposed.Load() {
		return
	}
	p.post(func() { p.removeSubscription(subID, true) })
}

// Publish sends the events to each target relay and aggregates OK
// verdicts. The returned channel delivers exactly one response, once
// every (relay, event) pair has a verdict or the response timeout passes.
func (p *Pool) Publish(events []*nostr.Event, source Source) (<-chan *PublishResponse, error) {
	if p.disposed.Load() {
		return nil, ErrPoolDisposed
	}
	tracker := newPublishTracker(uuid.NewString())
	if !p.post(func() { p.startPublish(tracker, events, source) }) {
		tracker.resolve("disposed")
	}
	return tracker.done, nil
}

// EnsureConnected resets backoff for every waiting or disconnected relay
// that still has a live subscription and reconnects immediately.
func (p *Pool) EnsureConnected() {
	if p.disposed.Load() {
		return
	}
	p.post(func() {
		for url, rs := range p.relays {
			if rs.connected || rs.connecting {
				continue
			}
			if !p.relayHasLiveSubscription(url) {
				continue
			}
			rs.attempts = 0
			p.stopRetry(rs)
			p.connectRelay(rs)
		}
		p.emitState()
	})
}

// State returns a point-in-time snapshot, taken on the run goroutine.
func (p *Pool) State() PoolState {
	reply := make(chan PoolState, 1)
	if !p.post(func() { reply <- p.snapshotState() }) {
		return PoolState{Err: p.fatalErr}
	}
	return <-reply
}

// Dispose tears down every subscription, publish, socket, and timer.
// Pending query and publish channels resolve with partial data.
func (p *Pool) Dispose() {
	if !p.disposed.CompareAndSwap(false, true) {
		return
	}
	finished := make(chan struct{})
	delivered := p.post(func() {
		for id := range p.subs {
			p.removeSubscription(id, true)
		}
		for id, tracker := range p.publishes {
			delete(p.publishes, id)
			tracker.resolve("disposed")
		}
		if p.stateTimer != nil {
			p.stateTimer.Stop()
			p.stateTimer = nil
		}
		p.emitStateNow()
		close(finished)
	})
	if delivered {
		<-finished
	}
	p.cancel()
	p.sockets.Range(func(_ string, sock *Socket) bool {
		sock.Disconnect()
		return true
	})
}

// ---- subscription dispatch ----

func (p *Pool) startSubscription(req *Request, source Source, done chan []*nostr.Event) {
	if p.disposed.Load() {
		if done != nil {
			done <- nil
			close(done)
		}
		return
	}
	targets := resolveRelays(source.Relays, p.groups)
	if len(targets) == 0 {
		p.logf(slog.LevelWarn, "query has no target relays", "", "sub", req.ID)
		if done != nil {
			done <- nil
			close(done)
		}
		return
	}

	var cacheKey string
	if done != nil && source.CachedFor > 0 {
		cacheKey = p.resultCacheKey(targets, req)
		if cached, ok := p.results[cacheKey]; ok && time.Now().Before(cached.expires) {
			done <- cached.events
			close(done)
			return
		}
	}

	// re-issuing an id replaces the prior subscription
	if _, ok := p.subs[req.ID]; ok {
		p.removeSubscription(req.ID, true)
	}

	var policy flushPolicy
	if done != nil {
		policy = &batchedPolicy{done: done}
	} else {
		policy = &progressivePolicy{}
	}

	sub := &subscription{
		req:          req,
		source:       source,
		relays:       targets,
		phases:       make(map[string]RelaySubPhase, len(targets)),
		closedRelays: make(map[string]struct{}),
		cacheKey:     cacheKey,
	}
	sub.buf = newSubscriptionBuffer(bufferConfig{
		ID:          req.ID,
		Targets:     targets,
		Policy:      policy,
		EventFilter: source.EventFilter,
		BatchWindow: p.batchWindow,
		Post:        func(fn func()) { p.post(fn) },
		OnFlush: func(events []*nostr.Event, relaysForID map[string][]string) {
			p.handleFlush(sub, events, relaysForID)
		},
	})
	p.subs[req.ID] = sub

	for _, url := range targets {
		p.attachRelay(sub, url)
	}
	if done != nil {
		sub.buf.ArmFinalTimeout(p.responseTimeout, func() { p.onQueryTimeout(sub) })
	}
	p.emitState()
}

func (p *Pool) attachRelay(sub *subscription, url string) {
	rs := p.relayState(url)
	sock := p.ensureSocket(url)
	if rs.connected {
		p.sendReq(sub, url, sock)
		return
	}
	sub.phases[url] = PhaseConnecting
	p.connectRelay(rs)
}

func (p *Pool) sendReq(sub *subscription, url string, sock *Socket) {
	optimized := p.optimizer.Optimize(url, sub.req, sub.source.Stream)
	if err := sock.SendReq(optimized.ID, optimized.Filters); err != nil {
		p.logf(slog.LevelWarn, "could not send subscription request", url, "sub", sub.req.ID, "error", err)
		sub.phases[url] = PhaseWaiting
		return
	}
	sub.phases[url] = PhaseLoading
}

func (p *Pool) removeSubscription(subID string, sendClose bool) {
	sub, ok := p.subs[subID]
	if !ok {
		return
	}
	sub.buf.Dispose()
	if sendClose {
		for _, url := range sub.relays {
			if _, closed := sub.closedRelays[url]; closed {
				continue
			}
			if sock, ok := p.sockets.Load(url); ok && sock.Connected() {
				if err := sock.SendClose(subID); err != nil {
					p.logf(slog.LevelDebug, "could not send close", url, "sub", subID, "error", err)
				}
			}
		}
	}
	delete(p.subs, subID)
	p.emitState()
}

func (p *Pool) onQueryTimeout(sub *subscription) {
	if _, ok := p.subs[sub.req.ID]; !ok {
		return
	}
	eose := sub.buf.EOSERelays()
	var silent []string
	for _, url := range sub.relays {
		if _, ok := eose[url]; !ok {
			silent = append(silent, url)
		}
	}
	p.logf(slog.LevelWarn, "query timed out before EOSE", strings.Join(silent, ","), "sub", sub.req.ID)
	sub.buf.Flush()
	p.removeSubscription(sub.req.ID, true)
}

func (p *Pool) handleFlush(sub *subscription, events []*nostr.Event, relaysForID map[string][]string) {
	if p.onEvents != nil {
		p.onEvents(sub.req.ID, events, relaysForID)
	}
	if sub.blocking() && sub.cacheKey != "" && sub.buf.eoseComplete() {
		p.results[sub.cacheKey] = cachedResult{
			events:  events,
			expires: time.Now().Add(sub.source.CachedFor),
		}
	}
	p.emitState()
}

func (p *Pool) resultCacheKey(targets []string, req *Request) string {
	return p.optimizer.cacheKey(strings.Join(targets, " "), req)
}

// ---- publish dispatch ----

func (p *Pool) startPublish(tracker *publishTracker, events []*nostr.Event, source Source) {
	if p.disposed.Load() {
		tracker.resolve("disposed")
		return
	}
	targets := resolveRelays(source.Relays, p.groups)
	for _, url := range targets {
		for _, evt := range events {
			tracker.expect(url, evt.ID)
		}
	}
	for _, url := range targets {
		rs := p.relayState(url)
		sock := p.ensureSocket(url)
		if !rs.connected {
			for _, evt := range events {
				tracker.record(url, evt.ID, false, "not-connected")
			}
			continue
		}
		for _, evt := range events {
			if err := sock.SendEvent(evt); err != nil {
				p.logf(slog.LevelWarn, "could not publish event", url, "event", evt.ID, "error", err)
				tracker.record(url, evt.ID, false, "not-connected")
			}
		}
	}
	if tracker.complete() {
		p.finishPublish(tracker, "")
		return
	}
	p.publishes[tracker.id] = tracker
	tracker.timer = time.AfterFunc(p.responseTimeout, func() {
		p.post(func() {
			if t, ok := p.publishes[tracker.id]; ok {
				p.finishPublish(t, "timeout")
			}
		})
	})
}

func (p *Pool) finishPublish(tracker *publishTracker, pendingReason string) {
	delete(p.publishes, tracker.id)
	resp := tracker.resolve(pendingReason)
	if resp != nil && p.onPublishResponse != nil {
		p.onPublishResponse(tracker.id, resp)
	}
}

// ---- connection lifecycle ----

func (p *Pool) relayState(url string) *relayState {
	rs, ok := p.relays[url]
	if !ok {
		rs = &relayState{url: url}
		p.relays[url] = rs
	}
	return rs
}

func (p *Pool) ensureSocket(url string) *Socket {
	if sock, ok := p.sockets.Load(url); ok {
		return sock
	}
	sock := newSocket(url, p.dialer, &poolHandler{p: p})
	actual, _ := p.sockets.LoadOrStore(url, sock)
	return actual
}

func (p *Pool) connectRelay(rs *relayState) {
	if rs.connected || rs.connecting {
		return
	}
	rs.connecting = true
	p.stopRetry(rs)
	p.setPhaseForRelay(rs.url, PhaseConnecting)
	sock := p.ensureSocket(rs.url)
	go func() {
		err := sock.Connect(p.ctx)
		p.post(func() { p.onConnectResult(rs.url, err) })
	}()
}

func (p *Pool) onConnectResult(url string, err error) {
	rs := p.relayState(url)
	rs.connecting = false
	if err != nil {
		p.logf(slog.LevelWarn, "could not connect", url, "error", err)
		p.scheduleReconnect(rs)
		p.emitState()
		return
	}
	rs.connected = true
	rs.attempts = 0
	rs.strikes = nil
	p.logf(slog.LevelInfo, "connected", url)
	p.resendSubscriptions(url)
	p.emitState()
}

// resendSubscriptions re-issues the REQ of every subscription targeting
// url, re-optimized, after a fresh connection.
func (p *Pool) resendSubscriptions(url string) {
	sock, ok := p.sockets.Load(url)
	if !ok {
		return
	}
	for _, sub := range p.subs {
		if !sub.targets(url) {
			continue
		}
		if _, closed := sub.closedRelays[url]; closed {
			continue
		}
		p.sendReq(sub, url, sock)
	}
}

func (p *Pool) scheduleReconnect(rs *relayState) {
	rs.attempts++
	if rs.attempts >= maxRetries {
		p.logf(slog.LevelWarn, "retries exhausted", rs.url, "attempts", rs.attempts)
		p.setPhaseForRelay(rs.url, PhaseFailed)
		return
	}
	p.setPhaseForRelay(rs.url, PhaseWaiting)
	if rs.retryTimer != nil {
		return
	}
	delay := backoffDelay(rs.attempts)
	rs.retryTimer = time.AfterFunc(delay, func() {
		p.post(func() {
			rs.retryTimer = nil
			if p.relayHasLiveSubscription(rs.url) {
				p.connectRelay(rs)
			}
		})
	})
}

func backoffDelay(attempts int) time.Duration {
	delay := initialReconnectDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}

// relayDown is the shared path for read errors, zombie probes, and
// repeated protocol errors.
func (p *Pool) relayDown(url string, err error) {
	rs := p.relayState(url)
	wasUp := rs.connected || rs.connecting
	rs.connected = false
	rs.connecting = false
	p.clearProbe(rs)
	if !wasUp {
		return
	}
	p.logf(slog.LevelWarn, "relay connection lost", url, "error", err)
	if !p.relayHasLiveSubscription(url) {
		p.setPhaseForRelay(url, PhaseDisconnected)
		p.emitState()
		return
	}
	p.scheduleReconnect(rs)
	p.emitState()
}

func (p *Pool) relayHasLiveSubscription(url string) bool {
	for _, sub := range p.subs {
		if !sub.targets(url) {
			continue
		}
		if _, closed := sub.closedRelays[url]; closed {
			continue
		}
		return true
	}
	return false
}

func (s *subscription) targets(url string) bool {
	for _, u := range s.relays {
		if u == url {
			return true
		}
	}
	return false
}

func (p *Pool) setPhaseForRelay(url string, phase RelaySubPhase) {
	for _, sub := range p.subs {
		if !sub.targets(url) {
			continue
		}
		if _, closed := sub.closedRelays[url]; closed {
			continue
		}
		sub.phases[url] = phase
	}
}

func (p *Pool) stopRetry(rs *relayState) {
	if rs.retryTimer != nil {
		rs.retryTimer.Stop()
		rs.retryTimer = nil
	}
}

func (p *Pool) clearProbe(rs *relayState) {
	rs.probeSubID = ""
	if rs.probeTimer != nil {
		rs.probeTimer.Stop()
		rs.probeTimer = nil
	}
}

// ---- health checks ----

// checkHealth sends a zero-limit REQ to every connected socket that has
// been silent past the idle threshold; its EOSE acts as a liveness probe.
func (p *Pool) checkHealth() {
	now := time.Now()
	for url, rs := range p.relays {
		if !rs.connected || rs.probeSubID != "" {
			continue
		}
		sock, ok := p.sockets.Load(url)
		if !ok {
			continue
		}
		if now.Sub(sock.LastActivity()) <= pingIdleThreshold {
			continue
		}
		probeID := probePrefix + "-" + uuid.NewString()
		if err := sock.SendReq(probeID, nostr.Filters{{Limit: 0, LimitZero: true}}); err != nil {
			p.relayDown(url, err)
			continue
		}
		rs.probeSubID = probeID
		rs.probeTimer = time.AfterFunc(relayTimeout, func() {
			p.post(func() {
				if rs.probeSubID != probeID {
					return
				}
				p.logf(slog.LevelWarn, "liveness probe timed out, reconnecting", url)
				sock.Disconnect()
				p.relayDown(url, errors.New("liveness probe timed out"))
			})
		})
	}
}

// ---- frame routing ----

// poolHandler adapts socket callbacks onto the pool's inbox.
type poolHandler struct {
	p *Pool
}

func (h *poolHandler) HandleEvent(relay, subID string, evt *nostr.Event) {
	h.p.post(func() {
		sub, ok := h.p.subs[subID]
		if !ok {
			h.p.logf(slog.LevelDebug, "event for unknown subscription", relay, "sub", subID)
			return
		}
		if sub.source.EventFilter != nil && !sub.source.EventFilter(evt) {
			return
		}
		if !sub.source.Stream {
			h.p.optimizer.Record(relay, sub.req, evt.CreatedAt)
		}
		sub.buf.AddEvent(relay, evt)
	})
}

func (h *poolHandler) HandleEOSE(relay, subID string) {
	h.p.post(func() {
		rs := h.p.relayState(relay)
		if rs.probeSubID == subID {
			h.p.clearProbe(rs)
			if sock, ok := h.p.sockets.Load(relay); ok {
				sock.SendClose(subID)
			}
			return
		}
		sub, ok := h.p.subs[subID]
		if !ok {
			h.p.logf(slog.LevelDebug, "EOSE for unknown subscription", relay, "sub", subID)
			return
		}
		if sub.phases[relay] == PhaseLoading {
			sub.phases[relay] = PhaseStreaming
		}
		if sub.buf.MarkEOSE(relay) && sub.blocking() {
			h.p.removeSubscription(subID, true)
		}
		h.p.emitState()
	})
}

func (h *poolHandler) HandleOK(relay, eventID string, accepted bool, reason string) {
	h.p.post(func() {
		for _, tracker := range h.p.publishes {
			if !tracker.record(relay, eventID, accepted, reason) {
				continue
			}
			if tracker.complete() {
				h.p.finishPublish(tracker, "")
			}
			return
		}
		h.p.logf(slog.LevelDebug, "OK for unknown publish", relay, "event", eventID)
	})
}

func (h *poolHandler) HandleNotice(relay, message string) {
	h.p.post(func() {
		h.p.logf(slog.LevelInfo, "notice from relay", relay, "message", message)
	})
}

// HandleClosed treats a CLOSED frame as EOSE plus a per-relay
// unsubscribe; the socket connection is retained.
func (h *poolHandler) HandleClosed(relay, subID, reason string) {
	h.p.post(func() {
		rs := h.p.relayState(relay)
		if rs.probeSubID == subID {
			h.p.clearProbe(rs)
			return
		}
		sub, ok := h.p.subs[subID]
		if !ok {
			return
		}
		h.p.logf(slog.LevelWarn, "subscription closed by relay", relay, "sub", subID, "reason", reason)
		complete := sub.buf.MarkEOSE(relay)
		sub.closedRelays[relay] = struct{}{}
		sub.phases[relay] = PhaseFailed
		if complete && sub.blocking() {
			h.p.removeSubscription(subID, true)
		}
		h.p.emitState()
	})
}

func (h *poolHandler) HandleProtocolError(relay string, err error) {
	h.p.post(func() {
		h.p.logf(slog.LevelWarn, "protocol error", relay, "error", err)
		rs := h.p.relayState(relay)
		now := time.Now()
		strikes := rs.strikes[:0]
		for _, at := range rs.strikes {
			if now.Sub(at) <= protocolErrorWindow {
				strikes = append(strikes, at)
			}
		}
		rs.strikes = append(strikes, now)
		if len(rs.strikes) < protocolErrorLimit {
			return
		}
		rs.strikes = nil
		if sock, ok := h.p.sockets.Load(relay); ok {
			sock.Disconnect()
		}
		h.p.relayDown(relay, errors.New("too many protocol errors"))
	})
}

func (h *poolHandler) HandleDisconnect(relay string, err error) {
	h.p.post(func() {
		h.p.relayDown(relay, err)
	})
}

// ---- state emission ----

// emitState coalesces a burst of transitions into at most one emission
// per batch window.
func (p *Pool) emitState() {
	if p.onState == nil || p.stateTimer != nil {
		return
	}
	p.stateTimer = time.AfterFunc(p.batchWindow, func() {
		p.post(func() {
			p.stateTimer = nil
			p.onState(p.snapshotState())
		})
	})
}

func (p *Pool) emitStateNow() {
	if p.onState == nil {
		return
	}
	p.onState(p.snapshotState())
}

func (p *Pool) snapshotState() PoolState {
	state := PoolState{
		Subscriptions: make(map[string]SubscriptionState, len(p.subs)),
		Logs:          p.logs.snapshot(),
		Err:           p.fatalErr,
	}
	for id, sub := range p.subs {
		phases := make(map[string]RelaySubPhase, len(sub.phases))
		for url, phase := range sub.phases {
			phases[url] = phase
		}
		state.Subscriptions[id] = SubscriptionState{
			ID:         id,
			Streaming:  sub.source.Stream,
			Relays:     phases,
			EOSE:       sub.buf.EOSERelays(),
			EventCount: sub.buf.totalReceived,
		}
	}
	return state
}

func (p *Pool) logf(level slog.Level, msg, relay string, args ...any) {
	if relay != "" {
		args = append([]any{"relay", relay}, args...)
	}
	slog.Log(context.Background(), level, msg, args...)
	p.logs.append(LogEntry{Time: time.Now(), Level: level, Message: msg, Relay: relay})
}
