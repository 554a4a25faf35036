package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Delivery lifecycle topics.
const (
	TypeSent          = "delivery.sent"
	TypeEdited        = "delivery.edited"
	TypeSuppressed    = "delivery.suppressed"
	TypeEditMissing   = "delivery.edit_missing"
	TypeFailed        = "delivery.failed"
	TypePersistFailed = "delivery.persist_failed"
)

// Event is an in-memory signal. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the payload of every delivery.* event.
type Delivery struct {
	BatchID     string `json:"batch_id"`
	AlertKey    string `json:"alert_key"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	Handle      string `json:"handle,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Err         string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (nopBus) Dropped() uint64 { return 0 }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
