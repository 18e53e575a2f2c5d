package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/events"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// StreamMessage is sent by websocket clients to drive a process
type StreamMessage struct {
	Type string `json:"type"` // "input" or "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// StreamReply reports a rejected client message
type StreamReply struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}

// streamHandler upgrades to a websocket carrying one process's events out
// and terminal input and resizes in. The socket closes after the process
// ends.
func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		// Subscribe before looking at the status so no exit slips between
		sub := s.hub.Subscribe(id)
		defer sub.Close()

		p, err := s.svc.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warnw("websocket upgrade failed", "id", id, "error", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(v interface{}) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			return conn.WriteJSON(v)
		}
		closeWith := func(text string) {
			writeMu.Lock()
			defer writeMu.Unlock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, text)
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
		}

		if p.Status.IsTerminal() {
			send(events.Event{Type: events.ProcessExited, ProcessID: id, ProjectID: p.ProjectID, ExitCode: p.ExitCode, Status: p.Status, Time: time.Now()})
			closeWith(string(p.Status))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go s.readStream(ctx, cancel, conn, id, send)

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case event, ok := <-sub.C:
				if !ok {
					closeWith("subscriber dropped")
					return
				}
				if err := send(event); err != nil {
					return
				}
				if event.Type == events.ProcessExited || event.Type == events.ProcessKilled {
					closeWith(string(event.Status))
					return
				}
			}
		}
	}
}

func (s *Server) readStream(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string, send func(interface{}) error) {
	defer cancel()
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("stream read ended", "id", id, "error", err)
			}
			return
		}

		var err error
		switch msg.Type {
		case "input":
			err = s.svc.Write(ctx, id, []byte(msg.Data))
		case "resize":
			err = s.svc.Resize(ctx, id, msg.Cols, msg.Rows)
		default:
			err = domain.Invalid("type", "unknown message type %q", msg.Type)
		}
		if err != nil {
			if send(StreamReply{Type: "error", Error: err.Error()}) != nil {
				return
			}
		}
	}
}
