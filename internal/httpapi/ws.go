package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/folder-mcp/folderd/internal/errors"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4 << 10
)

// Message types spoken on /ws.
const (
	msgFMDM         = "fmdm.update"
	msgError        = "error"
	msgFolderAdd    = "folder.add"
	msgFolderRemove = "folder.remove"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon serves loopback clients; pages served from other local
	// ports (the TUI's web view, dev servers) are legitimate peers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEnvelope is the wire shape of every WebSocket message, both ways.
type wsEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// wsInbound defers payload decoding until the type is known.
type wsInbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsFolderPayload struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
}

type wsErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// wsClient is one connected peer. All writes funnel through out so the
// connection has exactly one writer.
type wsClient struct {
	conn *websocket.Conn
	out  chan wsEnvelope
	done chan struct{}
	once sync.Once
}

func (cl *wsClient) close() { cl.once.Do(func() { close(cl.done) }) }

// send queues msg unless the client is already shutting down.
func (cl *wsClient) send(msg wsEnvelope) {
	select {
	case cl.out <- msg:
	case <-cl.done:
	}
}

// writePump owns the connection's write side: queued messages, keepalive
// pings, and the closing handshake.
func (cl *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg := <-cl.out:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteJSON(msg); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleWS upgrades the connection and speaks the fleet protocol: the
// current snapshot immediately, a fresh one after every change, and
// folder add/remove requests inbound. The connection winds down when the
// client leaves or the fleet closes.
func (s *Server) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written its handshake refusal.
		return nil
	}

	if s.metrics != nil {
		s.metrics.WSClients.Inc()
		defer s.metrics.WSClients.Dec()
	}

	cl := &wsClient{
		conn: conn,
		out:  make(chan wsEnvelope, 16),
		done: make(chan struct{}),
	}
	snaps, cancel := s.fleet.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cl.writePump()
	}()
	go func() {
		defer wg.Done()
		for snap := range snaps {
			cl.send(wsEnvelope{Type: msgFMDM, Payload: snap})
		}
		// Subscription gone means the daemon is shutting down.
		cl.close()
	}()

	s.readLoop(c.Request().Context(), cl)

	cl.close()
	cancel()
	wg.Wait()
	return nil
}

// readLoop consumes inbound messages until the connection dies. Malformed
// frames earn an error envelope rather than a disconnect.
func (s *Server) readLoop(ctx context.Context, cl *wsClient) {
	cl.conn.SetReadLimit(wsMaxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				s.log.Debug("ws_read_failed", slog.String("error", err.Error()))
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			cl.send(errEnvelope(errors.ErrCodeInvalidInput, "malformed message"))
			continue
		}
		s.dispatchWS(ctx, cl, in)
	}
}

func (s *Server) dispatchWS(ctx context.Context, cl *wsClient, in wsInbound) {
	switch in.Type {
	case msgFolderAdd, msgFolderRemove:
	default:
		cl.send(errEnvelope(errors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown message type %q", in.Type)))
		return
	}
	if s.admin == nil {
		cl.send(errEnvelope(errors.ErrCodeInvalidInput, "folder mutations are not enabled"))
		return
	}

	var p wsFolderPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil || p.Path == "" {
		cl.send(errEnvelope(errors.ErrCodeInvalidInput, "payload must name a folder path"))
		return
	}

	var err error
	switch in.Type {
	case msgFolderAdd:
		err = s.admin.AddFolder(ctx, p.Path, p.Model)
	case msgFolderRemove:
		err = s.admin.RemoveFolder(ctx, p.Path)
	}
	if err != nil {
		s.log.Warn("ws_mutation_failed",
			slog.String("type", in.Type),
			slog.String("folder", p.Path),
			slog.String("error", err.Error()))
		cl.send(wsEnvelope{Type: msgError, Payload: wsErrorPayload{
			Code:    errors.GetCode(err),
			Message: errMessage(err),
		}})
	}
	// Success answers itself: the next snapshot carries the change.
}

func errEnvelope(code, message string) wsEnvelope {
	return wsEnvelope{Type: msgError, Payload: wsErrorPayload{Code: code, Message: message}}
}

func errMessage(err error) string {
	var de *errors.DaemonError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
