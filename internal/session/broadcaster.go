package session

import (
	"sync"

	"github.com/banshee-data/track.replay/internal/metrics"
	"github.com/banshee-data/track.replay/internal/replay"
)

// Event types.
const (
	EventPosition = "position"
	EventState    = "state"
)

// Event is one message on a session stream.
type Event struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	Position  *replay.Position     `json:"position,omitempty"`
	Snapshot  replay.PlaybackState `json:"snapshot"`
	From      string               `json:"from,omitempty"`
	To        string               `json:"to,omitempty"`
}

const subscriberBuffer = 64

// Broadcaster fans events out to subscribers. Publish never blocks: a
// subscriber that falls behind loses events rather than stalling playback.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	closed  bool
	dropped int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned func unsubscribes and is
// safe to call more than once. Subscribing to a closed broadcaster returns
// a closed channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	metrics.StreamSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
				metrics.StreamSubscribers.Dec()
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		metrics.StreamSubscribers.Dec()
	}
	b.subs = nil
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
