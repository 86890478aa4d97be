package events

import (
	"sync"

	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before publishes to it are dropped.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan models.ProgressEvent
	closed bool
}

// Bus is a per-job multi-subscriber broadcast of progress events. Channels
// are isolated per job and per subscriber, so one noisy job (or one stalled
// consumer) cannot starve delivery to anyone else. The bus keeps no history:
// a late subscriber starts with the next published event.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers a consumer for one job's event stream. The returned
// cancel function detaches the subscriber; the bus also closes the channel
// after delivering the job's terminal event.
func (b *Bus) Subscribe(jobID string) (<-chan models.ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan models.ProgressEvent, subscriberBuffer)}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		remaining := b.subs[jobID][:0]
		for _, s := range b.subs[jobID] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		if len(remaining) == 0 {
			delete(b.subs, jobID)
		} else {
			b.subs[jobID] = remaining
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish fans the event out to every current subscriber of the job.
// Delivery to a given subscriber preserves publish order; a subscriber whose
// buffer is full has the event dropped (it compensates by querying the job's
// status snapshot). A terminal event ends the stream: all subscriber
// channels are closed and the job's entry is removed.
func (b *Bus) Publish(jobID string, event models.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[jobID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.WithField("job", jobID).Debugf("Dropping %s event for slow subscriber", event.Phase)
		}
	}

	if models.IsTerminalPhase(event.Phase) {
		for _, sub := range b.subs[jobID] {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subs, jobID)
	}
}

// SubscriberCount reports how many consumers are attached to a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
