package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsawler/trainviz/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// FrameType tags every frame written to a WebSocket client
type FrameType string

const (
	FrameSnapshot FrameType = "snapshot"
	FrameEvent    FrameType = "event"
	FrameReply    FrameType = "reply"
)

// Frame is one server-to-client WebSocket message
type Frame struct {
	Type     FrameType       `json:"type"`
	Snapshot *store.Snapshot `json:"snapshot,omitempty"`
	Event    *store.Event    `json:"event,omitempty"`
	Reply    *Reply          `json:"reply,omitempty"`
}

// Reply answers a command received over the socket
type Reply struct {
	ID       string           `json:"id,omitempty"`
	Response *CommandResponse `json:"response,omitempty"`
	Error    *ErrorResponse   `json:"error,omitempty"`
}

// SocketRequest is a command received over the socket. ID is echoed back
// in the reply.
type SocketRequest struct {
	ID string `json:"id,omitempty"`
	CommandRequest
}

// handleWebSocket streams store events to the client and executes the
// commands it sends. All writes happen on this goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[server] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.store.Subscribe(s.eventBuffer)
	defer unsubscribe()

	replies := make(chan Reply, 16)
	readDone := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go s.readCommands(conn, replies, readDone, quit)

	snap := s.store.Snapshot()
	if err := s.writeFrame(conn, Frame{Type: FrameSnapshot, Snapshot: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "store closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := s.writeFrame(conn, Frame{Type: FrameEvent, Event: &ev}); err != nil {
				return
			}
		case rep := <-replies:
			if err := s.writeFrame(conn, Frame{Type: FrameReply, Reply: &rep}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, f Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		s.logger.Printf("[server] websocket write failed: %v", err)
		return err
	}
	return nil
}

func (s *Server) readCommands(conn *websocket.Conn, replies chan<- Reply, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req SocketRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("[server] websocket read failed: %v", err)
			}
			return
		}

		rep := Reply{ID: req.ID}
		resp, err := s.Execute(req.CommandRequest)
		if err != nil {
			_, body := classify(err)
			rep.Error = &body
		} else {
			rep.Response = &resp
		}
		select {
		case replies <- rep:
		case <-quit:
			return
		}
	}
}
