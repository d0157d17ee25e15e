// Package sse provides Server-Sent Events broadcasting of session state
// changes to subscribed observers.
package sse

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// sendBuffer is the per-client event queue depth. A client that falls
// this far behind starts losing events rather than slowing anyone down.
const sendBuffer = 16

// Client represents a connected SSE subscriber for one session. Its
// ResponseWriter is only ever touched by the client's single write loop;
// net/http forbids concurrent handler writes.
type Client struct {
	ID        string
	SessionID string
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan struct{}
	send      chan string
}

// Broadcaster routes typed events to the subscribers of each session.
// Delivery is best-effort: a disconnected or slow subscriber misses
// events, but the store stays authoritative and clients re-fetch on
// reconnect.
type Broadcaster struct {
	subs   map[string]map[string]*Client // sessionID -> clientID -> client
	mu     sync.RWMutex
	nextID int
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[string]*Client),
	}
}

// Subscribe registers a new SSE client for a session and starts its
// write loop.
func (b *Broadcaster) Subscribe(w http.ResponseWriter, sessionID string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:        id,
		SessionID: sessionID,
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
		send:      make(chan string, sendBuffer),
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Client)
	}
	b.subs[sessionID][id] = client
	count := len(b.subs[sessionID])
	b.mu.Unlock()

	go b.writeLoop(client)

	log.Debug().
		Str("clientId", id).
		Str("sessionId", sessionID).
		Int("sessionSubscribers", count).
		Msg("SSE client subscribed")

	return client, nil
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(client *Client) {
	b.removeClient(client.SessionID, client.ID)
}

func (b *Broadcaster) removeClient(sessionID, clientID string) {
	b.mu.Lock()
	var client *Client
	if clients, ok := b.subs[sessionID]; ok {
		client = clients[clientID]
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(b.subs, sessionID)
		}
	}
	b.mu.Unlock()

	if client != nil {
		select {
		case <-client.Done:
			// Already closed
		default:
			close(client.Done)
		}
		log.Debug().
			Str("clientId", clientID).
			Str("sessionId", sessionID).
			Msg("SSE client unsubscribed")
	}
}

// Publish pushes an event to the session's subscribers. It never blocks
// the write path that produced the event: each client has a buffered
// queue drained by its own write loop, and the event is dropped for a
// client whose queue is full.
func (b *Broadcaster) Publish(event models.Event) {
	b.mu.RLock()
	clients := make([]*Client, 0, len(b.subs[event.SessionID]))
	for _, c := range b.subs[event.SessionID] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", jsonData)

	for _, client := range clients {
		select {
		case <-client.Done:
		case client.send <- message:
		default:
			log.Debug().
				Str("clientId", client.ID).
				Msg("SSE client queue full, dropping event")
		}
	}
}

// writeLoop is the single writer for one client. A write error means the
// client is gone; it is removed and the loop exits.
func (b *Broadcaster) writeLoop(client *Client) {
	for {
		select {
		case <-client.Done:
			return
		case message := <-client.send:
			if _, err := client.Writer.Write([]byte(message)); err != nil {
				log.Debug().
					Str("clientId", client.ID).
					Err(err).
					Msg("Failed to write to SSE client, removing")
				b.removeClient(client.SessionID, client.ID)
				return
			}
			client.Flusher.Flush()
		}
	}
}

// SubscriberCount returns the number of subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// ClientCount returns the total number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, clients := range b.subs {
		total += len(clients)
	}
	return total
}

// HandleSSE serves an SSE subscription for one session until the client
// disconnects. The connected greeting goes through the client's queue
// like every other frame, so the write loop stays the only writer.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request, sessionID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.Subscribe(w, sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.Unsubscribe(client)

	client.send <- fmt.Sprintf("data: {\"type\":\"connected\",\"client_id\":%q,\"session_id\":%q}\n\n", client.ID, sessionID)

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
