package models

// Chat roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatTurn is one message of conversation history
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a user message with its preceding history.
// UserID is always taken from the authenticated token.
type ChatRequest struct {
	UserID  string     `json:"-"`
	Message string     `json:"message"`
	History []ChatTurn `json:"history,omitempty"`
}

// ChatResponse is the answer returned to the client
type ChatResponse struct {
	Answer     string   `json:"answer"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
	Cached     bool     `json:"cached"`
	Degraded   bool     `json:"degraded"`
}

// ChatFrame is a WebSocket frame exchanged on /ws/chat
type ChatFrame struct {
	Type     string        `json:"type"` // "chat", "response", "error", "ping", "pong"
	ID       string        `json:"id,omitempty"`
	Message  string        `json:"message,omitempty"`
	History  []ChatTurn    `json:"history,omitempty"`
	Response *ChatResponse `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
}
