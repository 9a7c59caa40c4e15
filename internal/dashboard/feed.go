package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// feedQueue is how many messages may wait for delivery.
const feedQueue = 100

// feed fans messages out to the connected websocket clients.
type feed struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	queue   chan Message
	logger  *log.Logger
}

func newFeed(logger *log.Logger) *feed {
	return &feed{
		clients: make(map[*websocket.Conn]struct{}),
		queue:   make(chan Message, feedQueue),
		logger:  logger,
	}
}

func (f *feed) add(conn *websocket.Conn) {
	f.mu.Lock()
	f.clients[conn] = struct{}{}
	n := len(f.clients)
	f.mu.Unlock()
	f.logger.Printf("Feed client connected (%d connected)", n)
}

func (f *feed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	n := len(f.clients)
	f.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		f.logger.Printf("Feed client disconnected (%d connected)", n)
	}
}

func (f *feed) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *feed) snapshot() []*websocket.Conn {
	f.mu.RLock()
	defer f.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for conn := range f.clients {
		conns = append(conns, conn)
	}
	return conns
}

// publish queues msg without blocking.
func (f *feed) publish(msg Message) {
	select {
	case f.queue <- msg:
	default:
		f.logger.Println("Warning: feed queue full, dropping message")
	}
}

// send writes one message to one client.
func (f *feed) send(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// run delivers queued messages until ctx is done. A client that cannot
// be written to is dropped.
func (f *feed) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.queue:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			for _, conn := range f.snapshot() {
				if err := f.send(conn, msg); err != nil {
					f.logger.Printf("Warning: feed write failed: %v", err)
					f.remove(conn)
				}
			}
		}
	}
}

// closeAll disconnects every client.
func (f *feed) closeAll() {
	f.mu.Lock()
	conns := f.clients
	f.clients = make(map[*websocket.Conn]struct{})
	f.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
