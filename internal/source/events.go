package source

import (
	"time"

	"github.com/google/uuid"

	"github.com/crew-runner/tracker/internal/position"
	"github.com/crew-runner/tracker/internal/syncclient"
)

// EventType discriminates orchestrator events.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventModeChanged  EventType = "mode_changed"
	EventSourceFailed EventType = "source_failed"
	EventSample       EventType = "sample"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type   EventType
	Time   time.Time
	State  position.State
	Mode   Mode
	Err    error
	Sample syncclient.Sample
}

const subscriberBuffer = 64

// Subscribe registers a new event listener. Events are dropped for
// subscribers that fall behind by more than the channel buffer.
func (o *Orchestrator) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	o.subscriberMu.Lock()
	defer o.subscriberMu.Unlock()
	if o.subscribers == nil {
		close(ch)
		return id, ch
	}
	o.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (o *Orchestrator) Unsubscribe(id string) {
	o.subscriberMu.Lock()
	defer o.subscriberMu.Unlock()
	if ch, ok := o.subscribers[id]; ok {
		close(ch)
		delete(o.subscribers, id)
	}
}

func (o *Orchestrator) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.subscriberMu.Lock()
	defer o.subscriberMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subscriberMu.Lock()
	defer o.subscriberMu.Unlock()
	for id, ch := range o.subscribers {
		close(ch)
		delete(o.subscribers, id)
	}
	o.subscribers = nil
}
