package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/loppo-llc/runner/internal/permission"
	"github.com/loppo-llc/runner/internal/session"
)

// clientMsg is any frame a client sends. Fields beyond Type and ID depend
// on the type.
type clientMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

var errUnknownMessage = errors.New("unknown message type")

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, user, s.logger)
	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		c.detach()
	}()
	c.logger.Info("websocket connected")

	go s.wsReadLoop(ctx, cancel, c)

	// keepalive: ping every 30s to detect dead connections on mobile
	go s.wsPingLoop(ctx, cancel, conn)

	s.wsWriteLoop(ctx, c)
	c.logger.Info("websocket disconnected")
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, c *client) {
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("invalid ws message", "err", err)
			c.sendError("malformed message")
			continue
		}
		if err := s.handleMessage(c, msg); err != nil {
			c.logger.Debug("ws message rejected", "type", msg.Type, "id", msg.ID, "err", err)
			c.sendError(err.Error())
		}
	}
}

func (s *Server) handleMessage(c *client, msg clientMsg) error {
	switch msg.Type {
	case "subscribe":
		if err := s.oracle.Check(c.user, msg.ID, permission.ReadOnly); err != nil {
			return fmt.Errorf("subscribe %s: %w", msg.ID, err)
		}
		sess, ok := s.sessions.Get(msg.ID)
		if !ok {
			// output of the last run, if any
			c.detach()
			if h, ok := s.sessions.History(msg.ID); ok {
				c.sendJSON(outputMsg{Type: "output", ID: msg.ID, Data: string(h)})
			}
			return nil
		}
		c.attach(sess)

	case "unsubscribe":
		c.detach()

	case "input":
		if err := s.oracle.Check(c.user, msg.ID, permission.ReadWrite); err != nil {
			return fmt.Errorf("input %s: %w", msg.ID, err)
		}
		sess, ok := s.sessions.Get(msg.ID)
		if !ok {
			return fmt.Errorf("input %s: %w", msg.ID, session.ErrNotRunning)
		}
		if err := sess.Write([]byte(msg.Data)); err != nil {
			c.logger.Debug("backend write error", "id", msg.ID, "err", err)
		}

	case "resize":
		if err := s.oracle.Check(c.user, msg.ID, permission.ReadOnly); err != nil {
			return fmt.Errorf("resize %s: %w", msg.ID, err)
		}
		if msg.Cols <= 0 || msg.Rows <= 0 || msg.Cols > 0xFFFF || msg.Rows > 0xFFFF {
			return fmt.Errorf("resize %s: invalid size %dx%d", msg.ID, msg.Cols, msg.Rows)
		}
		sess, ok := s.sessions.Get(msg.ID)
		if !ok {
			return fmt.Errorf("resize %s: %w", msg.ID, session.ErrNotRunning)
		}
		if err := sess.Resize(uint16(msg.Cols), uint16(msg.Rows)); err != nil {
			c.logger.Debug("backend resize error", "id", msg.ID, "err", err)
		}

	default:
		return fmt.Errorf("%w: %q", errUnknownMessage, msg.Type)
	}
	return nil
}

func (s *Server) wsWriteLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.logger.Info("closing websocket", "reason", c.reason)
			_ = c.ws.Close(websocket.StatusPolicyViolation, c.reason)
			return
		case b := <-c.queue:
			if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}
