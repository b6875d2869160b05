package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// wsTransport adapts a *websocket.Conn to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.CloseNow()
}

// ServeHTTP upgrades the connection, authorizes it, and runs its read,
// write-via-bus, and heartbeat loops until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Error("hub: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimitBytes)

	t := &wsTransport{conn: conn}
	c := h.Register(t)
	defer func() {
		h.Unregister(c.id)
		conn.CloseNow()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.pingLoop(ctx, cancel, c)
	h.readLoop(ctx, cancel, c)
}

func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, c *connection) {
	defer cancel()
	for {
		raw, err := c.transport.ReadMessage(ctx)
		if err != nil {
			return
		}
		c.handleMessage(ctx, raw)
	}
}

func (h *Hub) pingLoop(ctx context.Context, cancel context.CancelFunc, c *connection) {
	defer cancel()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.cfg.PingTimeout)
			err := c.transport.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.mu.Lock()
				c.missedPongs++
				missed := c.missedPongs
				c.mu.Unlock()
				if missed >= h.cfg.MissedPongLimit {
					return
				}
				continue
			}
			c.mu.Lock()
			c.missedPongs = 0
			c.mu.Unlock()
		}
	}
}
