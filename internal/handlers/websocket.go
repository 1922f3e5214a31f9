package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/chat"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	wsPongWait   = 30 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second

	wsSendBuffer = 64
)

// socketHub holds the websocket clients of one chat. Every envelope the server session sends is
// broadcast to them as is.
type socketHub struct {
	mu      sync.Mutex
	clients map[*socketClient]struct{}
}

type socketClient struct {
	send chan models.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newSocketHub() *socketHub {
	return &socketHub{
		clients: make(map[*socketClient]struct{}),
	}
}

func (c *socketClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (h *socketHub) add() *socketClient {
	c := &socketClient{
		send: make(chan models.Envelope, wsSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	return c
}

func (h *socketHub) remove(c *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.close()
}

// broadcast never blocks: a client that cannot keep up is disconnected.
func (h *socketHub) broadcast(env models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *socketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// HandleWebSocket attaches a websocket client to the chat given by the "chat_id" query parameter.
//
// The client first receives the current conversation as a clear-messages envelope followed by one
// append-message envelope per finished message, then every envelope the server sends to the chat.
// The client submits input by sending an input value object; submissions are rate limited per
// connection and dropped when the limit is exceeded.
func (m Main) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		m.logger.Error("Chat ID is required")
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	rt, err := m.runtime(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		return
	}
	defer conn.Close()

	logger := m.logger.With(slog.String("chatID", chatID), slog.String("remote", r.RemoteAddr))

	var client *socketClient
	var snapshot []models.Message
	err = rt.queue.Do(r.Context(), func(c *chat.Controller) {
		client = rt.sockets.add()
		snapshot = c.Messages()
	})
	if err != nil {
		logger.Error("Failed to attach client", slog.String(errLoggerKey, err.Error()))
		return
	}
	defer rt.sockets.remove(client)

	if err := writeSnapshot(conn, chatID, snapshot); err != nil {
		logger.Warn("Failed to write snapshot", slog.String(errLoggerKey, err.Error()))
		return
	}

	go m.writeSocket(conn, client, logger)

	limiter := rate.NewLimiter(m.opts.SubmitRate, m.opts.SubmitBurst)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var input models.InputValue
		if err := conn.ReadJSON(&input); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Websocket closed unexpectedly", slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !limiter.Allow() {
			logger.Warn("Input rate limit exceeded, dropping input")
			continue
		}

		if err := rt.queue.Submit(r.Context(), input.Value); err != nil {
			logger.Error("Failed to submit input", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, chatID string, msgs []models.Message) error {
	env, err := models.NewEnvelope(chatID, models.HandlerClearMessages, nil)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(env); err != nil {
		return err
	}

	for _, msg := range msgs {
		if msg.StreamingState != models.StreamingStateEnded || msg.Content == "" {
			continue
		}
		env, err := models.MessageEnvelope(chatID, models.HandlerAppendMessage, msg)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(env); err != nil {
			return err
		}
	}
	return nil
}

// writeSocket is the only writer of conn once the snapshot is sent.
func (m Main) writeSocket(conn *websocket.Conn, client *socketClient, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Warn("Failed to write envelope", slog.String(errLoggerKey, err.Error()))
				conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				conn.Close()
				return
			}
		case <-client.done:
			deadline := time.Now().Add(wsWriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			conn.Close()
			return
		}
	}
}
