package stream

import (
	"context"
	"sync"
	"time"

	"shopledger.org/internal/ledger"
)

const (
	KindLoaded  = "ledgers.loaded"
	KindNotice  = "ledger.notice"
	KindCreated = "ledger.created"
	KindPayment = "ledger.payment"
)

// Event describes one committed ledger change for live subscribers.
type Event struct {
	Kind       string             `json:"kind"`
	LedgerID   string             `json:"ledger_id,omitempty"`
	Ledger     *ledger.Ledger     `json:"ledger,omitempty"`
	Allocation *ledger.Allocation `json:"allocation,omitempty"`
	Count      int                `json:"count,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Stream fan-outs ledger events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	now  func() time.Time
}

var _ ledger.Observer = (*Stream)(nil)

func New() *Stream {
	return &Stream{
		subs: make(map[int]chan Event),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

func (s *Stream) LedgersLoaded(ledgers []ledger.Ledger) {
	s.Publish(Event{Kind: KindLoaded, Count: len(ledgers), Timestamp: s.now()})
}

func (s *Stream) NoticeApplied(l ledger.Ledger, created bool) {
	kind := KindNotice
	if created {
		kind = KindCreated
	}
	s.Publish(Event{Kind: kind, LedgerID: l.ID, Ledger: &l, Timestamp: s.now()})
}

func (s *Stream) PaymentApplied(res ledger.PaymentResult) {
	l, alloc := res.Ledger, res.Allocation
	s.Publish(Event{Kind: KindPayment, LedgerID: l.ID, Ledger: &l, Allocation: &alloc, Timestamp: s.now()})
}
