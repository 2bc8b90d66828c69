package events

import (
	"sync"

	"go.uber.org/zap"
)

// Publisher is the producer side of the bus
type Publisher interface {
	Publish(evt Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(evt Event)

func (f PublisherFunc) Publish(evt Event) { f(evt) }

// Handler receives events on the dispatcher goroutine. It must not block for long.
type Handler func(evt Event)

type subscription struct {
	id      uint64
	handler Handler
	types   map[Type]struct{}
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus queues published events without blocking the publisher and delivers
// them to subscribers from a single goroutine, in publish order.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	subs   []*subscription
	nextID uint64
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewBus starts the dispatcher. A nil logger disables logging.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		log:  log.Named("events"),
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Publish enqueues evt. Events published after Close are dropped.
func (b *Bus) Publish(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Debug("dropping event after close", zap.String("type", string(evt.Type())))
		return
	}
	b.queue = append(b.queue, evt)
	b.cond.Signal()
}

// Subscribe registers h for the given types, or for every event when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...Type) (cancel func()) {
	sub := &subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Channel delivers matching events on a buffered channel. A full channel
// stalls the dispatcher until the reader catches up or cancel is called.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	stop := make(chan struct{})
	unsub := b.Subscribe(func(evt Event) {
		select {
		case ch <- evt:
		case <-stop:
		}
	}, types...)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(stop)
			unsub()
		})
	}
}

// Close delivers everything already queued, then stops the dispatcher
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		evt := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := make([]*subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		b.log.Debug("event",
			zap.String("type", string(evt.Type())),
			zap.String("id", evt.EventID()),
			zap.String("err_kind", evt.ErrKind()),
		)
		for _, s := range subs {
			if s.wants(evt.Type()) {
				b.deliver(s, evt)
			}
		}
	}
}

func (b *Bus) deliver(s *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.String("type", string(evt.Type())),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(evt)
}
