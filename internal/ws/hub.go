package ws

import (
	"log/slog"
	"sync"

	"github.com/splax/devspace/internal/domain"
)

const broadcastBuffer = 256

// Subscriber receives the project events of one user. Send is called from
// the hub goroutine only.
type Subscriber interface {
	Send(event domain.ProjectEvent) error
	Close()
}

// Hub fans project events out to the subscribers of the owning user.
type Hub struct {
	log       *slog.Logger
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan domain.ProjectEvent
	count     chan chan int
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

type subscription struct {
	userID string
	client Subscriber
}

// NewHub creates a running Hub. Close stops it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		log:       logger.With("component", "ws"),
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan domain.ProjectEvent, broadcastBuffer),
		count:     make(chan chan int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.userID]; !ok {
				h.clients[sub.userID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.userID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.userID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.userID)
				}
			}
		case event := <-h.broadcast:
			h.deliver(event)
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = map[string]map[Subscriber]struct{}{}
			return
		}
	}
}

func (h *Hub) deliver(event domain.ProjectEvent) {
	clients, ok := h.clients[event.UserID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(event); err != nil {
			h.log.Debug("dropping event subscriber", "user_id", event.UserID, "error", err)
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, event.UserID)
	}
}

// Register adds a client to a user's stream.
func (h *Hub) Register(userID string, client Subscriber) {
	select {
	case h.register <- subscription{userID: userID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(userID string, client Subscriber) {
	select {
	case h.unreg <- subscription{userID: userID, client: client}:
	case <-h.done:
	}
}

// Publish queues the event for the owner's subscribers. It never blocks:
// events are dropped when the queue is full.
func (h *Hub) Publish(event domain.ProjectEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
		h.log.Warn("event queue full, dropping event", "project_id", event.ProjectID, "type", event.Type)
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
