package handlers

import (
	"context"
	"encoding/json"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"
	"chatcontext/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	wsReadTimeout  = 5 * time.Minute
	wsPingInterval = 30 * time.Second
	wsQueueSize    = 8

	// DefaultMaxConnectionsPerUser caps concurrent sockets of one user
	DefaultMaxConnectionsPerUser = 5
)

// WebSocketHandler answers chat frames on /ws/chat
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	rag         *services.RAGService
	metrics     *services.Metrics
	timeout     time.Duration
	maxPerUser  int
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(connManager *services.ConnectionManager, rag *services.RAGService, metrics *services.Metrics, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebSocketHandler{
		connManager: connManager,
		rag:         rag,
		metrics:     metrics,
		timeout:     timeout,
		maxPerUser:  DefaultMaxConnectionsPerUser,
	}
}

// Handle handles a new WebSocket connection. Answers run on a context that
// ends with the connection, so a client that goes away cancels its work.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		_ = c.WriteJSON(models.ChatFrame{Type: models.FrameError, Error: "Authentication required"})
		_ = c.Close()
		return
	}
	if h.maxPerUser > 0 && h.connManager.CountForUser(userID) >= h.maxPerUser {
		_ = c.WriteJSON(models.ChatFrame{Type: models.FrameError, Error: "Too many open connections"})
		_ = c.Close()
		return
	}

	conn := &models.ChatConnection{
		ConnID:    uuid.New().String(),
		UserID:    userID,
		Conn:      c,
		WriteChan: make(chan models.ChatFrame, 16),
		CreatedAt: time.Now(),
	}
	log := logging.WithUser(logging.Component("websocket"), userID).WithField("conn_id", conn.ConnID)

	connCtx, cancel := context.WithCancel(context.Background())
	queue := make(chan models.ChatFrame, wsQueueSize)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	answerDone := make(chan struct{})

	h.connManager.Add(conn)
	defer func() {
		cancel()
		close(queue)
		<-answerDone
		close(done)
		h.connManager.Remove(conn.ConnID)
		<-writerDone
	}()

	_ = c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	go h.pingLoop(conn, done, log)
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, log)
	}()
	go func() {
		defer close(answerDone)
		h.answerLoop(connCtx, conn, queue, log)
	}()

	conn.WriteChan <- models.ChatFrame{Type: models.FrameConnected}

	h.readLoop(conn, queue, log)
}

// pingLoop keeps idle connections alive
func (h *WebSocketHandler) pingLoop(conn *models.ChatConnection, done <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.Mutex.Lock()
			err := conn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			conn.Mutex.Unlock()
			if err != nil {
				log.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

// readLoop handles incoming frames until the client goes away.
// Chat frames are queued for answerLoop.
func (h *WebSocketHandler) readLoop(conn *models.ChatConnection, queue chan<- models.ChatFrame, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Panic in WebSocket read loop")
		}
	}()

	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("WebSocket closed")
			return
		}
		_ = conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var frame models.ChatFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.metrics.RecordWebSocketMessage("invalid", "inbound")
			conn.WriteChan <- models.ChatFrame{Type: models.FrameError, Error: "Invalid message format"}
			continue
		}
		h.metrics.RecordWebSocketMessage(frame.Type, "inbound")

		switch frame.Type {
		case models.FramePing:
			conn.WriteChan <- models.ChatFrame{Type: models.FramePong, ID: frame.ID}
		case models.FrameChat:
			select {
			case queue <- frame:
			default:
				conn.WriteChan <- models.ChatFrame{Type: models.FrameError, ID: frame.ID, Error: "Too many pending messages"}
			}
		default:
			conn.WriteChan <- models.ChatFrame{Type: models.FrameError, ID: frame.ID, Error: "Unknown frame type"}
		}
	}
}

// answerLoop answers queued chat frames in order, one at a time
func (h *WebSocketHandler) answerLoop(ctx context.Context, conn *models.ChatConnection, queue <-chan models.ChatFrame, log *logrus.Entry) {
	for frame := range queue {
		if ctx.Err() != nil {
			continue
		}
		reply := h.answer(ctx, conn.UserID, frame, log)
		if ctx.Err() != nil {
			log.Debug("Client left before the answer was ready")
			continue
		}
		conn.WriteChan <- reply
	}
}

func (h *WebSocketHandler) answer(ctx context.Context, userID string, frame models.ChatFrame, log *logrus.Entry) models.ChatFrame {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.rag.Answer(ctx, models.ChatRequest{
		UserID:  userID,
		Message: frame.Message,
		History: frame.History,
	})
	if err != nil {
		message := "Failed to generate an answer"
		if services.IsClientError(err) {
			message = err.Error()
		} else {
			log.WithError(err).Error("WebSocket chat failed")
		}
		return models.ChatFrame{Type: models.FrameError, ID: frame.ID, Error: message}
	}
	return models.ChatFrame{Type: models.FrameResponse, ID: frame.ID, Response: resp}
}

// writeLoop serializes outgoing frames
func (h *WebSocketHandler) writeLoop(conn *models.ChatConnection, log *logrus.Entry) {
	for frame := range conn.WriteChan {
		conn.Mutex.Lock()
		err := conn.Conn.WriteJSON(frame)
		conn.Mutex.Unlock()
		if err != nil {
			log.WithError(err).Debug("WebSocket write failed")
			// drain so Remove can close the channel without blocking senders
			for range conn.WriteChan {
			}
			return
		}
		h.metrics.RecordWebSocketMessage(frame.Type, "outbound")
	}
}
