package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSManager is the room session registry: it tracks which live connections
// are subscribed to which room, per process. Durable state lives in the
// Database; everything here dies with the process.
type WSManager struct {
	db         *Database
	authority  *Authority
	clients    map[*WSClient]bool
	rooms      map[string]map[*WSClient]bool
	broadcast  chan BroadcastMsg
	unregister chan *WSClient
	mutex      sync.RWMutex
}

type WSClient struct {
	conn    *websocket.Conn
	session *Session
	send    chan []byte
	manager *WSManager
	rooms   map[string]bool
}

// BroadcastMsg carries the recipient set captured when the event was
// produced; clients subscribing afterwards never see it.
type BroadcastMsg struct {
	Recipients []*WSClient
	Message    []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

func NewWSManager(db *Database, authority *Authority) *WSManager {
	manager := &WSManager{
		db:         db,
		authority:  authority,
		clients:    make(map[*WSClient]bool),
		rooms:      make(map[string]map[*WSClient]bool),
		broadcast:  make(chan BroadcastMsg),
		unregister: make(chan *WSClient),
	}

	go manager.run()
	return manager
}

func (m *WSManager) run() {
	for {
		select {
		case client := <-m.unregister:
			m.mutex.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)

				// Drop every room subscription before any further delivery
				for room := range client.rooms {
					m.removeClientFromRoom(client, room)
				}
			}
			m.mutex.Unlock()
			slog.Info("client disconnected", "username", client.session.Username)

		case msg := <-m.broadcast:
			for _, client := range msg.Recipients {
				m.mutex.RLock()
				alive := m.clients[client]
				m.mutex.RUnlock()
				if !alive {
					continue
				}

				select {
				case client.send <- msg.Message:
				default:
					// Slow consumer: drop the event and kill the
					// connection; its readPump routes cleanup through
					// unregister, the only place the channel closes
					if client.conn != nil {
						client.conn.Close()
					}
				}
			}
		}
	}
}

// Register adds the connection to the registry before any join can target it.
func (m *WSManager) Register(client *WSClient) {
	m.mutex.Lock()
	m.clients[client] = true
	m.mutex.Unlock()
	slog.Info("client connected", "username", client.session.Username)
}

// addClientToRoom subscribes the client. Caller must not hold the mutex.
// Connections no longer in the registry cannot re-subscribe.
func (m *WSManager) addClientToRoom(client *WSClient, room string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.clients[client] {
		return
	}

	if m.rooms[room] == nil {
		m.rooms[room] = make(map[*WSClient]bool)
	}
	m.rooms[room][client] = true
	client.rooms[room] = true
}

// removeClientFromRoom expects the caller to hold the mutex.
func (m *WSManager) removeClientFromRoom(client *WSClient, room string) {
	if subscribers, ok := m.rooms[room]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(m.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// BroadcastToRoom fans an event out to every subscriber of the room, except
// exclude when non-nil. The recipient set is captured here, under the same
// lock subscription changes take, so delivery and membership agree on what
// the room looked like when the event was produced. Best effort, at most
// once, no ordering across connections.
func (m *WSManager) BroadcastToRoom(room, msgType string, data interface{}, exclude *WSClient) {
	message, err := marshalEvent(msgType, data)
	if err != nil {
		slog.Error("failed to marshal broadcast message", "type", msgType, "error", err)
		return
	}

	m.mutex.RLock()
	recipients := make([]*WSClient, 0, len(m.rooms[room]))
	for client := range m.rooms[room] {
		if client != exclude {
			recipients = append(recipients, client)
		}
	}
	m.mutex.RUnlock()

	if len(recipients) == 0 {
		return
	}

	m.broadcast <- BroadcastMsg{
		Recipients: recipients,
		Message:    message,
	}
}

// JoinRoom runs the membership check and subscribes the client. Denial goes
// back to the requester only; unknown room names still get a live
// subscription, matching the historical behavior.
func (m *WSManager) JoinRoom(client *WSClient, room string) {
	access, err := m.authority.CanAccess(client.session.UserID, room)
	if err != nil {
		slog.Error("membership check failed", "room", room, "error", err)
		return
	}

	if access == AccessDenied {
		client.sendEvent("error", ErrorData{Msg: "access denied to private room"})
		return
	}

	m.addClientToRoom(client, room)
	m.BroadcastToRoom(room, "user_joined", UserJoinedData{
		Room:     room,
		Username: client.session.Username,
	}, client)
}

func (m *WSManager) HandleConnection(w http.ResponseWriter, r *http.Request, session *Session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:    conn,
		session: session,
		send:    make(chan []byte, 256),
		manager: m,
		rooms:   make(map[string]bool),
	}

	m.Register(client)

	client.sendEvent("connected", map[string]string{
		"msg":      "connected",
		"username": session.Username,
	})

	go client.writePump()
	go client.readPump()
}

func marshalEvent(msgType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Data: raw})
}

// sendEvent delivers to this connection only.
func (c *WSClient) sendEvent(msgType string, data interface{}) {
	message, err := marshalEvent(msgType, data)
	if err != nil {
		slog.Error("failed to marshal event", "type", msgType, "error", err)
		return
	}

	select {
	case c.send <- message:
	default:
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.manager.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("websocket read error", "error", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			slog.Warn("invalid JSON from client", "error", err)
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
