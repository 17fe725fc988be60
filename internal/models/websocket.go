package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// WebSocket frame types
const (
	FrameChat      = "chat"
	FrameResponse  = "response"
	FrameError     = "error"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameConnected = "connected"
)

// ChatConnection is one live /ws/chat connection
type ChatConnection struct {
	ConnID    string
	UserID    string
	Conn      *websocket.Conn
	WriteChan chan ChatFrame
	Mutex     sync.Mutex // guards control writes on Conn
	CreatedAt time.Time
}
