package logring

import "sync"

// TopicAll subscribes to every server's output.
const TopicAll = "*"

// Event is what subscribers receive. Gap is set on the first event after a
// slow subscriber had pending lines dropped, so consumers can render a
// discontinuity marker instead of silently missing output.
type Event struct {
	Server string `json:"server"`
	Line   Line   `json:"line"`
	Gap    bool   `json:"gap,omitempty"`
}

const subscriberBuffer = 256

// Subscription is one consumer's bounded endpoint. Receive from C; call
// Close when done. Close is idempotent.
type Subscription struct {
	b      *Broadcaster
	topic  string
	ch     chan Event
	mu     sync.Mutex
	gapped bool
	closed bool
}

// C returns the event channel. It is closed by the Broadcaster on
// Subscription.Close or Broadcaster.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.b.unsubscribe(s) }

// deliver never blocks: on a full buffer the oldest pending event is dropped
// and the gap flag rides on the next event that fits.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.gapped {
		ev.Gap = true
	}
	select {
	case s.ch <- ev:
		s.gapped = false
		return
	default:
	}
	// full: shed the oldest and retry once
	select {
	case <-s.ch:
	default:
	}
	ev.Gap = true
	select {
	case s.ch <- ev:
		s.gapped = false
	default:
		s.gapped = true
	}
}

// Broadcaster fans appended lines out to any number of subscribers, keyed by
// server name or TopicAll. A slow subscriber never blocks the producing
// output reader and never delays subscribers of other servers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers for lines of one server, or of all servers with
// TopicAll. Only lines appended after subscription are delivered, in append
// order per server.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	s := &Subscription{b: b, topic: topic, ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closed = true
		close(s.ch)
		return s
	}
	set := b.subs[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to subscribers of ev.Server and of TopicAll.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs[ev.Server] {
		s.deliver(ev)
	}
	if ev.Server != TopicAll {
		for s := range b.subs[TopicAll] {
			s.deliver(ev)
		}
	}
}

// SubscriberCount reports current subscriptions across all topics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if set := b.subs[s.topic]; set != nil {
		if _, ok := set[s]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.topic)
			}
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Close detaches every subscriber. Safe to call twice.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
}
