package sockgate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind names a connection lifecycle event.
type EventKind int

const (
	EventClientRegistered EventKind = iota + 1
	EventClientRejected
	EventClientDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventClientRegistered:
		return "client_registered"
	case EventClientRejected:
		return "client_rejected"
	case EventClientDisconnected:
		return "client_disconnected"
	default:
		return "unknown"
	}
}

// Event is published on the EventBus shared by a server's clients.
type Event struct {
	Kind       EventKind
	ClientID   int64
	Identity   string
	RemoteAddr string
	Time       time.Time
	Err        error
}

// EventBus is the publish side of a server-wide event bus.
type EventBus interface {
	Publish(e Event)
}

// Bus is an in-process EventBus. Subscribers run synchronously on the
// publishing goroutine, so they must not block.
type Bus struct {
	mu   *sync.RWMutex
	subs map[EventKind]map[int64]func(Event)

	logger logrus.FieldLogger
}

var _ EventBus = (*Bus)(nil)

var subscriptionIdGenerator int64

// Subscription identifies a subscriber so it can be removed later.
type Subscription struct {
	kind EventKind
	id   int64
}

func NewBus() *Bus {
	return &Bus{
		mu:     &sync.RWMutex{},
		subs:   make(map[EventKind]map[int64]func(Event)),
		logger: logrus.StandardLogger(),
	}
}

// Subscribe registers fn for events of the given kind.
func (b *Bus) Subscribe(kind EventKind, fn func(Event)) Subscription {
	sub := Subscription{kind: kind, id: atomic.AddInt64(&subscriptionIdGenerator, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[kind]; !ok {
		b.subs[kind] = make(map[int64]func(Event))
	}
	b.subs[kind][sub.id] = fn

	return sub
}

func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fns, ok := b.subs[sub.kind]; ok {
		delete(fns, sub.id)
		if len(fns) == 0 {
			delete(b.subs, sub.kind)
		}
	}
}

// Publish delivers e to every subscriber of e.Kind. A panicking subscriber
// is logged and does not stop delivery to the others.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[e.Kind]))
	for _, fn := range b.subs[e.Kind] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, e)
	}
}

func (b *Bus) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event":    e.Kind.String(),
				"clientId": e.ClientID,
			}).Errorln("event subscriber panic:", r)
		}
	}()
	fn(e)
}
