// Package events fans lifecycle notifications out to streaming clients.
// Producers (queue, workers, deployer) publish domain events; subscribers
// attach per project over websocket or in tests via in-process fakes.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cygni/cloudexpress/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by project ID.
type Hub struct {
	log       *slog.Logger
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	once      sync.Once
}

type message struct {
	projectID string
	payload   []byte
}

type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates a running Hub. The buffer absorbs bursts of log-line
// events without stalling publishers.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		log:       logger,
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.projectID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.projectID)
				}
			}
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Publish serializes the event and broadcasts it to the project's clients.
// Publishing never blocks job processing on a slow client: the hub drops
// the connection instead.
func (h *Hub) Publish(ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- message{projectID: ev.ProjectID, payload: payload}:
	case <-h.done:
	}
}

// Shutdown stops the hub loop and closes all subscribers.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.done) })
}
