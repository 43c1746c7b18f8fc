package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smallnest/chatgraph/internal/auth"
	"github.com/smallnest/chatgraph/internal/chat"
	"github.com/smallnest/chatgraph/internal/conversation"
	"github.com/smallnest/chatgraph/log"
)

// Config wires the server's collaborators.
type Config struct {
	Auth          *auth.Authenticator
	Users         auth.UserStore
	Chat          *chat.Service
	Conversations conversation.Store
	Logger        log.Logger
}

// Server is the HTTP layer over the chat orchestrator.
type Server struct {
	engine        *gin.Engine
	auth          *auth.Authenticator
	users         auth.UserStore
	chat          *chat.Service
	conversations conversation.Store
	logger        log.Logger
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:        gin.New(),
		auth:          cfg.Auth,
		users:         cfg.Users,
		chat:          cfg.Chat,
		conversations: cfg.Conversations,
		logger:        cfg.Logger,
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger()
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/chat/health", s.health)
	api.POST("/auth/login", s.login)

	authed := api.Group("", s.authRequired())
	authed.POST("/auth/logout", s.logout)

	authed.POST("/chat/stream", s.chatStream)

	authed.POST("/conversation", s.createConversation)
	authed.GET("/conversation", s.listConversations)
	authed.GET("/conversation/:id", s.getConversation)
	authed.PUT("/conversation/:id", s.renameConversation)
	authed.DELETE("/conversation/:id", s.deleteConversation)
	authed.GET("/conversation/:id/history", s.conversationHistory)
	authed.POST("/conversation/:id/current-message", s.setCurrentMessage)

	authed.GET("/message/:id/siblings", s.messageSiblings)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	ok(c, gin.H{"status": "ok"})
}
