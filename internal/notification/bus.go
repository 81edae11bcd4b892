// Package notification implements the Notification Bus: two
// delivery kinds over the same event stream — pub/sub keyed by
// (instrument, event kind) for market data and trade prints, and
// point-to-point keyed by owning account for order/account/position
// updates — plus a built-in StorageSubscriber that durably archives every
// event. Every subscription is its own bounded channel with its own drop
// policy, so one slow consumer never stalls the publisher or its peers.
package notification

import (
	"log/slog"
	"sync"

	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Event is one notification carried on the bus: a fully-formed storage
// record plus the routing keys the Bus needs that aren't already on the
// record envelope.
type Event struct {
	Record  record.Record
	Account types.AccountID // point-to-point routing key; "" if not account-scoped
}

// DropPolicy selects what happens when a subscriber's queue is full.
type DropPolicy int

const (
	DropOldest DropPolicy = iota
	DropNew
)

// ParseDropPolicy converts the config string form ("drop-oldest" |
// "drop-new") into a DropPolicy, defaulting to DropOldest on anything else.
func ParseDropPolicy(s string) DropPolicy {
	if s == "drop-new" {
		return DropNew
	}
	return DropOldest
}

type subscription struct {
	ch     chan Event
	policy DropPolicy
	// instrument == "" means "all instruments" (used by account subscriptions)
	instrument types.InstrumentID
	account    types.AccountID // "" means "not account-scoped"
	kinds      map[record.Kind]bool // nil means "all kinds"
}

func (s *subscription) matches(ev Event) bool {
	if s.account != "" && ev.Account != s.account {
		return false
	}
	if s.instrument != "" && ev.Record.InstrumentID != s.instrument {
		return false
	}
	if s.kinds != nil && !s.kinds[ev.Record.Kind] {
		return false
	}
	return true
}

// Bus fans one published Event out to every matching subscription, dropping
// per that subscription's own policy when its queue is full rather than
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int

	log *slog.Logger
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[int]*subscription), log: log}
}

// Subscription is a handle a caller uses to receive events and later
// Unsubscribe.
type Subscription struct {
	id   int
	bus  *Bus
	Chan <-chan Event
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// SubscribeInstrument registers a pub/sub subscription for instrument,
// optionally narrowed to specific record kinds (nil = all kinds).
func (b *Bus) SubscribeInstrument(instrument types.InstrumentID, kinds []record.Kind, queueSize int, policy DropPolicy) *Subscription {
	var kindSet map[record.Kind]bool
	if kinds != nil {
		kindSet = make(map[record.Kind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}
	return b.subscribe(&subscription{
		ch:         make(chan Event, queueSize),
		policy:     policy,
		instrument: instrument,
		kinds:      kindSet,
	})
}

// SubscribeAll registers a subscription matching every event on the bus,
// used by the StorageSubscriber to archive the full stream regardless of
// instrument or account scoping.
func (b *Bus) SubscribeAll(queueSize int, policy DropPolicy) *Subscription {
	return b.subscribe(&subscription{ch: make(chan Event, queueSize), policy: policy})
}

// SubscribeAccount registers a point-to-point subscription for account's
// own order/account/position events.
func (b *Bus) SubscribeAccount(account types.AccountID, queueSize int, policy DropPolicy) *Subscription {
	return b.subscribe(&subscription{
		ch:      make(chan Event, queueSize),
		policy:  policy,
		account: account,
	})
}

func (b *Bus) subscribe(sub *subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = sub
	return &Subscription{id: id, bus: b, Chan: sub.ch}
}

// Publish fans ev out to every matching subscription. Non-blocking: a full
// subscriber queue drops per its own DropPolicy rather than stalling
// Publish.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	switch sub.policy {
	case DropNew:
		b.log.Warn("notification: dropping new event, subscriber queue full",
			"kind", ev.Record.Kind.String(), "instrument", ev.Record.InstrumentID)
	default: // DropOldest
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("notification: dropped event after evicting oldest, subscriber still full",
				"kind", ev.Record.Kind.String(), "instrument", ev.Record.InstrumentID)
		}
	}
}
