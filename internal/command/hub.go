package command

import (
	"context"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
)

// Event is one command status change, keyed by terminal for subscribers.
type Event struct {
	CommandID    string    `json:"command_id"`
	Terminal     string    `json:"terminal"`
	Action       Action    `json:"action"`
	Status       Status    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// Subscriber receives status events for one terminal, or for every terminal
// when created with an empty filter. Its channel closes when the hub stops
// or the subscriber is unsubscribed.
type Subscriber struct {
	terminal string
	events   chan Event
}

func (s *Subscriber) Events() <-chan Event { return s.events }

// Hub fans command status events out to subscribers. A slow subscriber
// loses events; it never slows the publisher down.
type Hub struct {
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan Event
	subscribers map[*Subscriber]bool
	done        chan struct{}
	logger      *goeen_log.Logger
}

func NewHub(logger *goeen_log.Logger) *Hub {
	return &Hub{
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, 64),
		subscribers: make(map[*Subscriber]bool),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run owns the subscriber set and must be running for Subscribe and Publish
// to do anything. It returns when ctx is cancelled, closing every
// subscriber channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.events)
			}
			metrics.EventSubscribers.Set(0)
			return

		case sub := <-h.register:
			h.subscribers[sub] = true
			metrics.EventSubscribers.Set(float64(len(h.subscribers)))

		case sub := <-h.unregister:
			if h.subscribers[sub] {
				delete(h.subscribers, sub)
				close(sub.events)
			}
			metrics.EventSubscribers.Set(float64(len(h.subscribers)))

		case ev := <-h.broadcast:
			for sub := range h.subscribers {
				if sub.terminal != "" && sub.terminal != ev.Terminal {
					continue
				}
				select {
				case sub.events <- ev:
				default:
					h.logger.Warningf("Dropping %s event for slow subscriber (terminal %q)", ev.Status, sub.terminal)
				}
			}
		}
	}
}

// Subscribe registers interest in one terminal's events; empty means all.
// On a stopped hub the returned subscriber is already closed.
func (h *Hub) Subscribe(terminal string) *Subscriber {
	sub := &Subscriber{terminal: terminal, events: make(chan Event, 16)}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.events)
	}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish hands an event to the fan-out loop without ever blocking the
// caller. Under congestion the event is dropped and logged.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warningf("Event hub congested; dropping %s for command %s", ev.Status, ev.CommandID)
	}
}
