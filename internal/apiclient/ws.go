package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/fleet"
)

// Message types spoken on /ws. These mirror the daemon's protocol.
const (
	msgFMDM         = "fmdm.update"
	msgError        = "error"
	msgFolderAdd    = "folder.add"
	msgFolderRemove = "folder.remove"
)

// wsEnvelope is an inbound frame; payload decoding waits until the type
// is known.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsRequest struct {
	Type    string          `json:"type"`
	Payload wsFolderPayload `json:"payload"`
}

type wsFolderPayload struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
}

type wsErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// AddFolder asks the daemon to configure and index a folder. An empty
// model selects the daemon's default. The call returns once a fleet
// snapshot shows the folder, or the daemon rejects the request.
func (c *Client) AddFolder(ctx context.Context, path, model string) error {
	return c.mutateFolder(ctx, msgFolderAdd, wsFolderPayload{Path: path, Model: model},
		func(snap fleet.FMDM) bool { return hasFolder(snap, path) })
}

// RemoveFolder asks the daemon to stop serving a folder. The on-disk
// index stays behind; re-adding the folder later recovers it.
func (c *Client) RemoveFolder(ctx context.Context, path string) error {
	return c.mutateFolder(ctx, msgFolderRemove, wsFolderPayload{Path: path},
		func(snap fleet.FMDM) bool { return !hasFolder(snap, path) })
}

// mutateFolder speaks the daemon's mutation protocol: read the greeting
// snapshot, send the request, then wait for either an error envelope or a
// later snapshot satisfying done. There is no explicit ack; the snapshot
// carrying the change is the answer.
func (c *Client) mutateFolder(ctx context.Context, msgType string, payload wsFolderPayload, done func(fleet.FMDM) bool) error {
	conn, err := c.dialWS(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	greeting, err := awaitSnapshot(conn)
	if err != nil {
		return err
	}

	if err := conn.WriteJSON(wsRequest{Type: msgType, Payload: payload}); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			return err
		}
		switch env.Type {
		case msgError:
			return decodeWSError(env.Payload, msgType)
		case msgFMDM:
			var snap fleet.FMDM
			if err := json.Unmarshal(env.Payload, &snap); err != nil {
				return fmt.Errorf("failed to decode fleet snapshot: %w", err)
			}
			if snap.Seq > greeting.Seq && done(snap) {
				return nil
			}
		}
	}
}

func (c *Client) dialWS(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to connect to daemon websocket: %w", err)
	}
	return conn, nil
}

// wsURL derives the WebSocket endpoint from the HTTP base.
func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}

// awaitSnapshot reads frames until the first fleet snapshot arrives. The
// daemon sends one immediately after the upgrade.
func awaitSnapshot(conn *websocket.Conn) (fleet.FMDM, error) {
	for {
		env, err := readEnvelope(conn)
		if err != nil {
			return fleet.FMDM{}, err
		}
		if env.Type != msgFMDM {
			continue
		}
		var snap fleet.FMDM
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			return fleet.FMDM{}, fmt.Errorf("failed to decode fleet snapshot: %w", err)
		}
		return snap, nil
	}
}

func readEnvelope(conn *websocket.Conn) (wsEnvelope, error) {
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return wsEnvelope{}, fmt.Errorf("failed to read from daemon websocket: %w", err)
	}
	return env, nil
}

func decodeWSError(payload json.RawMessage, msgType string) error {
	var p wsErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("daemon rejected %s", msgType)
	}
	if p.Code != "" {
		return errors.New(p.Code, p.Message, nil)
	}
	return fmt.Errorf("daemon rejected %s: %s", msgType, p.Message)
}

func hasFolder(snap fleet.FMDM, path string) bool {
	for _, f := range snap.Folders {
		if f.Path == path {
			return true
		}
	}
	return false
}
