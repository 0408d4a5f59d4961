// WebSocket status streaming
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package report

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient is one WebSocket subscriber. Outbound messages go through a
// buffered channel; a slow client drops updates rather than blocking
// the broadcaster.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	id := atomic.AddInt64(&s.nextWSID, 1)
	return &wsClient{
		id:     id,
		conn:   conn,
		server: s,
		sendCh: make(chan any, 16),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Debug("dropping update to client %d (channel full)", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump consumes inbound frames to keep the connection alive; the
// API is push-only so their content is ignored.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("client %d read error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debug("client %d write error: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Info("websocket client %d connected", client.id)

	go client.writePump()

	// Send the current state immediately so subscribers need not wait
	// for the first broadcast tick.
	client.send(statusNotification{
		Method: "notify_status",
		Params: s.statusNow(),
	})

	client.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, c.id)
	s.wsClientMu.Unlock()
	s.logger.Info("websocket client %d disconnected", c.id)
}

type statusNotification struct {
	Method string      `json:"method"`
	Params statusReply `json:"params"`
}

// broadcastLoop pushes status snapshots to every connected client.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		if !s.running.Load() {
			return
		}

		s.wsClientMu.RLock()
		if len(s.wsClients) == 0 {
			s.wsClientMu.RUnlock()
			continue
		}
		msg := statusNotification{
			Method: "notify_status",
			Params: s.statusNow(),
		}
		for _, c := range s.wsClients {
			c.send(msg)
		}
		s.wsClientMu.RUnlock()
	}
}
