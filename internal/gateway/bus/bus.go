// Package bus implements the gateway's fan-out bus (the system
// specification's C3): a subscription-based broadcaster that delivers
// voice-originated frames to the correct control-channel subscribers
// without cross-tenant leakage.
//
// Grounded on original_source/backend/app/voice_broadcast_manager.py's
// VoiceBroadcastManager: per-subscriber queue, connection-id and
// thread-id filtering, non-blocking delivery with a per-subscriber drop
// metric.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
	"github.com/MrWong99/glyphoxa/internal/observe"
)

// DefaultQueueCapacity is the default subscriber queue size (spec §5).
const DefaultQueueCapacity = 100

// DefaultIdleTTL is the idle duration after which Sweep evicts a subscription.
const DefaultIdleTTL = time.Hour

// subscription is one control channel's voice-bus registration.
type subscription struct {
	connectionID string
	queue        chan proto.Frame
	threadID     string
	createdAt    time.Time
	lastActivity time.Time
	delivered    int64
	dropped      int64
}

// Bus is the mutex-guarded, process-wide fan-out broadcaster.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string]*subscription), logger: logger}
}

// Subscribe registers connectionID for voice-bus delivery, optionally
// filtered to threadID (empty means unfiltered), and returns the queue the
// subscriber should drain. A prior subscription for the same connection id
// is replaced.
func (b *Bus) Subscribe(connectionID, threadID string, queueCapacity int) <-chan proto.Frame {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	sub := &subscription{
		connectionID: connectionID,
		queue:        make(chan proto.Frame, queueCapacity),
		threadID:     threadID,
		createdAt:    now,
		lastActivity: now,
	}
	b.subs[connectionID] = sub
	observe.DefaultMetrics().BusSubscriptions.Add(context.Background(), 1)
	return sub.queue
}

// Unsubscribe removes connectionID's subscription and drains its queue.
func (b *Bus) Unsubscribe(connectionID string) {
	b.mu.Lock()
	sub, ok := b.subs[connectionID]
	if ok {
		delete(b.subs, connectionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	observe.DefaultMetrics().BusSubscriptions.Add(context.Background(), -1)
	for {
		select {
		case <-sub.queue:
		default:
			return
		}
	}
}

// UpdateThreadID changes the thread filter for an existing subscription.
func (b *Bus) UpdateThreadID(connectionID, threadID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[connectionID]
	if !ok {
		return false
	}
	sub.threadID = threadID
	sub.lastActivity = time.Now()
	return true
}

// Broadcast delivers frame to every matching subscription and returns the
// number of successful deliveries. A full subscriber queue drops the frame
// for that subscriber only, incrementing its dropped-deliveries counter;
// it never blocks the publisher or affects other subscribers.
func (b *Bus) Broadcast(frame proto.Frame) int {
	if !proto.VoiceBusKinds[frame.Kind] {
		return 0
	}

	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if frame.MatchesConnection(sub.connectionID) && frame.MatchesThread(sub.threadID) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range matching {
		select {
		case sub.queue <- frame:
			sub.lastActivity = time.Now()
			sub.delivered++
			delivered++
		default:
			sub.dropped++
			observe.DefaultMetrics().RecordBusDrop(context.Background(), sub.connectionID)
			b.logger.Warn("bus: dropping frame for full subscriber queue",
				"connection_id", sub.connectionID,
				"kind", frame.Kind,
			)
		}
	}
	return delivered
}

// Sweep removes subscriptions idle beyond ttl (default DefaultIdleTTL),
// draining each removed subscriber's queue.
func (b *Bus) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	now := time.Now()

	b.mu.Lock()
	stale := make(map[string]*subscription)
	for id, sub := range b.subs {
		if now.Sub(sub.lastActivity) > ttl {
			stale[id] = sub
		}
	}
	for id := range stale {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if len(stale) > 0 {
		observe.DefaultMetrics().BusSubscriptions.Add(context.Background(), int64(-len(stale)))
	}
	for id, sub := range stale {
		b.logger.Info("bus: evicting stale subscription", "connection_id", id)
	drain:
		for {
			select {
			case <-sub.queue:
			default:
				break drain
			}
		}
	}
	return len(stale)
}

// Stats reports a subscription's delivered/dropped counters, for metrics and
// tests. ok is false if connectionID has no active subscription.
func (b *Bus) Stats(connectionID string) (delivered, dropped int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, found := b.subs[connectionID]
	if !found {
		return 0, 0, false
	}
	return sub.delivered, sub.dropped, true
}

// Len returns the number of active subscriptions. Test/metrics helper.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
