package bus

import (
	"context"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// Options configures an InMemoryBus.
type Options struct {
	// RedeliveryLimit is the maximum number of delivery attempts per event
	// and consumer group before the event is moved to the dead-letter
	// topic.
	RedeliveryLimit int

	// BufferSize sets the subscriber channel buffer.
	BufferSize int

	// Logger receives drop and dead-letter diagnostics. Defaults to NoOp.
	Logger logging.Logger

	// Metrics counts published and dead-lettered events. Optional.
	Metrics *metrics.Metrics
}

// InMemoryBus is a process-local core.EventBus. It is safe for concurrent
// use and suited for tests and single-process deployments.
//
// Semantics:
//   - Each consumer group holds an independent per-key FIFO of undelivered
//     events. Only the head of a key queue is ever in flight, so events
//     sharing a key are processed in publish order within a group.
//   - Nack re-delivers the head; once an event's attempts reach the
//     redelivery limit it is published to core.DeadLetterTopic(topic).
//   - Events published to a topic with no subscribed groups are dropped;
//     establish subscriptions before publishing.
type InMemoryBus struct {
	mu     sync.Mutex
	topics map[string]map[string]*group
	opts   Options
	closed bool
}

// New constructs an InMemoryBus with optional overrides.
func New(optFns ...func(o *Options)) *InMemoryBus {
	opts := Options{
		RedeliveryLimit: 5,
		BufferSize:      64,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RedeliveryLimit < 1 {
		opts.RedeliveryLimit = 1
	}
	return &InMemoryBus{topics: make(map[string]map[string]*group), opts: opts}
}

// Publish appends the event to every consumer group subscribed to the topic.
func (b *InMemoryBus) Publish(_ context.Context, topic string, ev core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrBusClosed
	}
	b.publishLocked(topic, ev)
	return nil
}

func (b *InMemoryBus) publishLocked(topic string, ev core.Event) {
	b.opts.Metrics.ObserveEventPublished(topic)
	groups := b.topics[topic]
	if len(groups) == 0 {
		b.opts.Logger.Debug("bus: dropping event %s on topic %s without subscribers", ev.ID, topic)
		return
	}
	for _, g := range groups {
		g.enqueue(ev)
	}
}

// Subscribe joins a consumer group on the topic. Subscribing twice with the
// same group name returns the same delivery stream, so multiple workers can
// compete for one group's events. The stream closes when the context is
// cancelled or the bus shuts down.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic, groupName string) (<-chan core.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.ErrBusClosed
	}
	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*group)
		b.topics[topic] = groups
	}
	if g, ok := groups[groupName]; ok {
		return g.ch, nil
	}
	g := &group{
		bus:    b,
		topic:  topic,
		name:   groupName,
		ch:     make(chan core.Delivery, b.opts.BufferSize),
		keys:   make(map[string]*keyQueue),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	groups[groupName] = g
	go g.run(ctx)
	return g.ch, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, groups := range b.topics {
		for _, g := range groups {
			close(g.done)
		}
	}
	return nil
}

func (b *InMemoryBus) removeGroup(topic, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if groups, ok := b.topics[topic]; ok {
		delete(groups, groupName)
	}
}

// pending is one undelivered event plus its delivery attempt count.
type pending struct {
	ev       core.Event
	attempts int
}

// keyQueue is the per-partition-key FIFO of a consumer group. At most the
// head is in flight at any time, preserving per-key ordering.
type keyQueue struct {
	events   []*pending
	inflight bool
}

type group struct {
	bus    *InMemoryBus
	topic  string
	name   string
	ch     chan core.Delivery
	keys   map[string]*keyQueue
	notify chan struct{}
	done   chan struct{}
}

// enqueue appends an event; caller must hold the bus lock.
func (g *group) enqueue(ev core.Event) {
	q, ok := g.keys[ev.Key]
	if !ok {
		q = &keyQueue{}
		g.keys[ev.Key] = q
	}
	q.events = append(q.events, &pending{ev: ev})
	g.signal()
}

func (g *group) signal() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// run pumps deliverable events to the subscriber channel until the context
// is cancelled or the bus closes.
func (g *group) run(ctx context.Context) {
	defer func() {
		g.bus.removeGroup(g.topic, g.name)
		close(g.ch)
	}()
	for {
		d, ok := g.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-g.done:
				return
			case <-g.notify:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case g.ch <- d:
		}
	}
}

// next picks one key queue with an idle head and marks it in flight.
func (g *group) next() (core.Delivery, bool) {
	g.bus.mu.Lock()
	defer g.bus.mu.Unlock()
	for key, q := range g.keys {
		if q.inflight || len(q.events) == 0 {
			continue
		}
		q.inflight = true
		head := q.events[0]
		head.attempts++
		k := key
		return core.NewDelivery(
			head.ev,
			head.attempts,
			func() { g.settle(k, true) },
			func() { g.settle(k, false) },
		), true
	}
	return core.Delivery{}, false
}

// settle completes the in-flight head of a key queue: pop on ack, re-deliver
// or dead-letter on nack.
func (g *group) settle(key string, acked bool) {
	g.bus.mu.Lock()
	defer g.bus.mu.Unlock()
	q, ok := g.keys[key]
	if !ok || !q.inflight || len(q.events) == 0 {
		return
	}
	head := q.events[0]
	if acked || head.attempts >= g.bus.opts.RedeliveryLimit {
		q.events = q.events[1:]
		if !acked {
			g.bus.opts.Logger.Warn("bus: dead-lettering event %s after %d attempts (topic %s group %s)",
				head.ev.ID, head.attempts, g.topic, g.name)
			g.bus.opts.Metrics.ObserveDeadLetter(g.topic)
			g.bus.publishLocked(core.DeadLetterTopic(g.topic), head.ev)
		}
	}
	q.inflight = false
	if len(q.events) == 0 {
		delete(g.keys, key)
	}
	g.signal()
}
