package devhub

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/api"
	"github.com/zulandar/supportline/internal/db"
	"github.com/zulandar/supportline/internal/models"
)

const maxPageSize = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Development server: accept any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// registerRoutes sets up the REST, hub and operational routes.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.clientCount()})
	})
	router.GET("/metrics", gin.WrapH(s.metricsHandler))

	authed := router.Group("/", authenticate(s.users))
	authed.GET("/hubs/support-chat", s.handleHub)

	chats := authed.Group("/api/supportchat")
	chats.POST("", s.handleCreate)
	chats.GET("/my-chats", s.handleMyChats)
	chats.GET("/:id/messages", s.handleMessages)
	chats.POST("/:id/status", s.handleStatus)
}

func respond[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, api.Envelope[T]{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string, errs ...string) {
	c.JSON(status, api.Envelope[any]{Message: msg, Errors: errs})
}

func intQuery(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) handleHub(c *gin.Context) {
	u := currentUser(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("devhub: upgrade", zap.Error(err))
		return
	}
	s.hub.serve(ws, u)
}

func (s *Server) handleMyChats(c *gin.Context) {
	u := currentUser(c)
	page := intQuery(c, "pageNumber", 1)
	size := min(intQuery(c, "pageSize", 20), maxPageSize)

	p, err := db.ListConversations(s.db, u.viewer(), page, size)
	if err != nil {
		s.log.Error("devhub: list conversations", zap.Error(err))
		fail(c, http.StatusInternalServerError, "could not list conversations")
		return
	}
	respond(c, p)
}

func (s *Server) handleMessages(c *gin.Context) {
	u := currentUser(c)
	conv, err := db.GetConversation(s.db, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "could not load conversation")
		return
	}
	if !db.CanAccess(u.viewer(), conv) {
		fail(c, http.StatusForbidden, "access denied")
		return
	}

	msgs, err := db.History(s.db, conv.ID)
	if err != nil {
		s.log.Error("devhub: history", zap.String("conversation", conv.ID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respond(c, msgs)
}

type createBody struct {
	Subject        string `json:"subject"`
	InitialMessage string `json:"initialMessage"`
}

func (s *Server) handleCreate(c *gin.Context) {
	u := currentUser(c)
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	body.Subject = strings.TrimSpace(body.Subject)
	if body.Subject == "" {
		fail(c, http.StatusBadRequest, "validation failed", "subject is required")
		return
	}

	conv, err := db.CreateConversation(s.db, u.ID, u.Name, body.Subject, strings.TrimSpace(body.InitialMessage), s.clock.Now())
	if err != nil {
		s.log.Error("devhub: create conversation", zap.Error(err))
		fail(c, http.StatusInternalServerError, "could not create conversation")
		return
	}
	s.hub.created(c.Request.Context(), conv)
	respond(c, conv)
}

type statusBody struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleStatus(c *gin.Context) {
	u := currentUser(c)
	if !u.IsAgent {
		fail(c, http.StatusForbidden, "only agents may change status")
		return
	}
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil || !body.Status.Valid() {
		fail(c, http.StatusBadRequest, "invalid status")
		return
	}

	conv, err := s.hub.setStatus(c.Request.Context(), c.Param("id"), body.Status)
	if errors.Is(err, db.ErrNotFound) {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.log.Error("devhub: set status", zap.Error(err))
		fail(c, http.StatusInternalServerError, "could not change status")
		return
	}
	respond(c, conv)
}
