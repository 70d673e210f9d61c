package eventbus

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published in-process. Channel events carry a serialized
// payload ([]byte) so the receiving context never shares memory with the sender.
const (
	// foreground -> background (postMessage-like)
	TypeChannelMessage = "channel.message"
	// provider -> background (inbound push)
	TypePush = "push"
	// host -> background (user clicked a rendered notification)
	TypeNotificationClick = "notificationclick"

	TypeRegistrationActivated   = "registration.activated"
	TypeRegistrationDeactivated = "registration.deactivated"

	TypePermissionGranted = "permission.granted"
	TypePermissionDenied  = "permission.denied"
	TypeTokenInvalidated  = "token.invalidated"
	TypeScheduleUpdated   = "schedule.updated"
	TypeNotificationShown = "notification.shown"
	TypeTestSent          = "diagnostic.test"
)

// Event is an in-process signal. Publish never blocks; a subscriber whose
// buffer is full misses the event. Channel payloads are []byte and are
// copied on Publish so sender and receiver never share a buffer.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Dropper is implemented by buses that count events lost to full buffers.
type Dropper interface {
	Dropped() uint64
}

// New returns an in-memory fan-out bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

// Publish holds the read lock across the non-blocking sends; unsubscribe
// closes under the write lock, so a send never hits a closed channel.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if raw, ok := e.Data.([]byte); ok {
		e.Data = bytes.Clone(raw)
	}

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
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
