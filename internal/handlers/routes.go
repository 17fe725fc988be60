package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Routes groups the handlers and the middleware they are mounted behind
type Routes struct {
	Health    *HealthHandler
	Chat      *ChatHandler
	WebSocket *WebSocketHandler
	Knowledge *KnowledgeHandler
	Cache     *CacheHandler
	Insight   *InsightHandler

	Auth        fiber.Handler // required; sets user_id
	ChatQuota   fiber.Handler // optional
	WSRateLimit fiber.Handler // optional
}

// Mount registers every route on app
func (r *Routes) Mount(app *fiber.App) {
	app.Get("/health", r.Health.Handle)

	api := app.Group("/api", r.Auth)

	chatChain := []fiber.Handler{}
	if r.ChatQuota != nil {
		chatChain = append(chatChain, r.ChatQuota)
	}
	api.Post("/chat", append(chatChain, r.Chat.Chat)...)

	knowledge := api.Group("/knowledge")
	knowledge.Post("/", r.Knowledge.Create)
	knowledge.Post("/documents", r.Knowledge.UploadDocument)
	knowledge.Get("/", r.Knowledge.List)
	knowledge.Get("/search", r.Knowledge.Search)
	knowledge.Get("/stats", r.Knowledge.Stats)

	api.Get("/cache/stats", r.Cache.Stats)
	api.Delete("/cache", r.Cache.Invalidate)

	api.Get("/insights/profile", r.Insight.Profile)
	api.Get("/insights/log", r.Insight.Log)

	wsChain := []fiber.Handler{}
	if r.WSRateLimit != nil {
		wsChain = append(wsChain, r.WSRateLimit)
	}
	wsChain = append(wsChain, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, r.Auth)
	if r.ChatQuota != nil {
		wsChain = append(wsChain, r.ChatQuota)
	}
	wsChain = append(wsChain, websocket.New(r.WebSocket.Handle))
	app.Get("/ws/chat", wsChain...)
}
