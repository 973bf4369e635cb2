// Package hub streams engine notifications to websocket observers such as
// a second UI window or a monitoring dashboard. Observers subscribe to one
// document or to all of them; they never send commands.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"orcascore/engine/internal/logging"
)

const (
	ConnectedType = "Connected"

	sendBuffer    = 64
	publishBuffer = 256
)

// Message is one notification as written to observers.
type Message struct {
	Type       string          `json:"type"`
	DocumentID int64           `json:"document_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type Hub struct {
	logger     *slog.Logger
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	done       chan struct{}

	mu sync.Mutex
	// rooms is keyed by document id; 0 holds observers of every document.
	rooms map[int64]map[*Client]bool
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, publishBuffer),
		done:       make(chan struct{}),
		rooms:      make(map[int64]map[*Client]bool),
	}
}

// Run dispatches registrations and messages until ctx is done, then closes
// every observer connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.documentID] == nil {
				h.rooms[client.documentID] = make(map[*Client]bool)
			}
			h.rooms[client.documentID][client] = true
			h.mu.Unlock()
			h.logger.Info("hub.observer_joined", "subject", client.subject, "document_id", client.documentID)
			hello, _ := json.Marshal(Message{Type: ConnectedType, DocumentID: client.documentID})
			client.send <- hello
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[client.documentID]
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	close(client.send)
	if len(room) == 0 {
		delete(h.rooms, client.documentID)
	}
	h.logger.Info("hub.observer_left", "subject", client.subject, "document_id", client.documentID)
}

func (h *Hub) deliver(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("hub.marshal_failed", "type", msg.Type, "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.rooms[0])+len(h.rooms[msg.DocumentID]))
	for client := range h.rooms[0] {
		targets = append(targets, client)
	}
	if msg.DocumentID != 0 {
		for client := range h.rooms[msg.DocumentID] {
			targets = append(targets, client)
		}
	}
	h.mu.Unlock()

	for _, client := range targets {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("hub.observer_lagging", "subject", client.subject)
			h.remove(client)
			client.conn.Close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Client
	for _, room := range h.rooms {
		for client := range room {
			all = append(all, client)
		}
	}
	h.mu.Unlock()
	for _, client := range all {
		h.remove(client)
		client.conn.Close()
	}
}

// Publish queues a notification. params carrying a document_id field are
// routed to that document's observers as well as to global ones. Publish
// never blocks; when the queue is full the message is dropped.
func (h *Hub) Publish(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		h.logger.Warn("hub.marshal_failed", "type", method, "error", err)
		return
	}
	documentID, err := routingID(raw)
	if err != nil {
		h.logger.Debug("hub.unrouted", "type", method, "error", err)
	}
	select {
	case h.broadcast <- Message{Type: method, DocumentID: documentID, Payload: raw}:
	default:
		h.logger.Warn("hub.dropped", "type", method, "document_id", documentID)
	}
}

// routingID reads the document_id of a JSON object payload. Payloads that
// are not objects, or whose document_id is not a number, route to global
// observers only and come back as 0 with the decode error.
func routingID(raw json.RawMessage) (int64, error) {
	var routing struct {
		DocumentID int64 `json:"document_id"`
	}
	if err := json.Unmarshal(raw, &routing); err != nil {
		return 0, err
	}
	return routing.DocumentID, nil
}

// Observers returns the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}
