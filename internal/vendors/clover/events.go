package clover

import (
	"sync"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventPairingCode
	EventMessage
	// EventUnsolicited carries a response that matched no pending request.
	EventUnsolicited
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "StateChanged"
	case EventPairingCode:
		return "PairingCodeReceived"
	case EventMessage:
		return "MessageReceived"
	case EventUnsolicited:
		return "Unsolicited"
	default:
		return "Unknown"
	}
}

type Event struct {
	Kind        EventKind
	State       ConnectionState
	PairingCode string
	Message     *Envelope
}

const subscriberBuffer = 64

// broker fans events out to subscriber channels. A subscriber that falls a
// full buffer behind loses events rather than stalling the read loop.
type broker struct {
	mutex   sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped func(Event)
}

func newBroker(dropped func(Event)) *broker {
	return &broker{
		subs:    make(map[int]chan Event),
		dropped: dropped,
	}
}

func (b *broker) subscribe() (<-chan Event, func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (b *broker) publish(e Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if b.dropped != nil {
				b.dropped(e)
			}
		}
	}
}

func (b *broker) closeAll() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
