// Package eventbus is the named-alarm pub/sub used to fan EVENT_NOTIFY
// frames out to subscribed control clients: a bounded FIFO of pending
// events plus a table of subscriber masks indexed by client id.
// Grounded on domain/ipc.go's subscriber-registration pattern from the
// teacher repo, generalized from a single fixed event set to the full
// AlarmID space and a per-client bitmask.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tscore/tscore/domain"
)

// QueueCap bounds the pending-event FIFO; a producer that outruns
// delivery drops the oldest rather than grow without limit.
const QueueCap = 256

// ClientID identifies one subscriber (typically a ControlServer
// ClientConn).
type ClientID uint64

// Sender delivers one event to a specific client; returns an error if
// the underlying connection is gone, which causes the subscriber to be
// dropped.
type Sender func(ClientID, domain.Event) error

type subscriber struct {
	mask [domain.AlarmIDCount]bool
	all  bool
}

// Bus is safe for concurrent Post/Register/Unregister from multiple
// goroutines; RunOnce should be called from a single dispatcher
// goroutine.
type Bus struct {
	log *logrus.Entry

	mu    sync.Mutex
	queue []domain.Event
	subs  map[ClientID]*subscriber
}

func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{log: log, subs: make(map[ClientID]*subscriber)}
}

// Post enqueues an event under lock; if the queue is at capacity the
// oldest pending event is dropped to bound memory under a slow
// dispatcher, and the drop is logged.
func (b *Bus) Post(id domain.AlarmID, description string) {
	ev := domain.NewEvent(id, description)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= QueueCap {
		b.log.Warn("eventbus: queue full, dropping oldest pending event")
		b.queue = b.queue[1:]
	}
	b.queue = append(b.queue, ev)
}

// Register subscribes client to id; a nil id pointer subscribes to
// every alarm (the control protocol's "empty name = all" convention).
func (b *Bus) Register(client ClientID, id *domain.AlarmID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.subs[client]
	if s == nil {
		s = &subscriber{}
		b.subs[client] = s
	}
	if id == nil {
		s.all = true
		return
	}
	s.mask[*id] = true
}

func (b *Bus) Unregister(client ClientID, id *domain.AlarmID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.subs[client]
	if s == nil {
		return
	}
	if id == nil {
		*s = subscriber{}
		return
	}
	s.mask[*id] = false
}

// Drop removes a client entirely, e.g. on disconnect.
func (b *Bus) Drop(client ClientID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, client)
}

// RunOnce dequeues every currently-pending event and delivers each to
// every subscriber whose mask (or all-flag) matches, in enqueue order.
// A send failure marks the client for removal after this pass so a
// slow client cannot stall delivery to the others; it does not retry.
func (b *Bus) RunOnce(send Sender) {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	type target struct {
		client ClientID
		all    bool
		mask   [domain.AlarmIDCount]bool
	}
	targets := make([]target, 0, len(b.subs))
	for c, s := range b.subs {
		targets = append(targets, target{client: c, all: s.all, mask: s.mask})
	}
	b.mu.Unlock()

	var dead []ClientID
	for _, ev := range pending {
		for _, t := range targets {
			if !t.all && !t.mask[ev.ID] {
				continue
			}
			if err := send(t.client, ev); err != nil {
				b.log.WithError(err).WithField("client", t.client).Warn("eventbus: send failed, dropping subscriber")
				dead = append(dead, t.client)
			}
		}
	}
	for _, c := range dead {
		b.Drop(c)
	}
}

// Pending reports the number of events awaiting delivery; used by tests
// and diagnostics only.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
