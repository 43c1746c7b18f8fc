package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallnest/chatgraph/internal/auth"
	"github.com/smallnest/chatgraph/internal/chat"
)

// parseID decodes a string-encoded int64 id; empty means unset.
func parseID(raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type loginRequest struct {
	UserCode string `json:"userCode"`
	Password string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserCode == "" || req.Password == "" {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "userCode and password are required")
		return
	}

	user, err := s.users.FindByCode(c.Request.Context(), req.UserCode)
	if err != nil {
		failErr(c, err)
		return
	}
	if !user.CheckPassword(req.Password) {
		failErr(c, auth.ErrBadCredentials)
		return
	}

	token, expiresAt, err := s.auth.Login(c.Request.Context(), strconv.FormatInt(user.ID, 10), user.UserName)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{
		"token":     token,
		"expiresAt": expiresAt,
		"userId":    strconv.FormatInt(user.ID, 10),
		"userName":  user.UserName,
	})
}

func (s *Server) logout(c *gin.Context) {
	if err := s.auth.Logout(c.Request.Context(), auth.TokenFromRequest(c.Request)); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

type streamRequest struct {
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	ModelCode       string `json:"modelCode"`
	// ModelID is a legacy alias for ModelCode kept for older clients.
	ModelID          string   `json:"modelId"`
	ParentMessageID  string   `json:"parentMessageId"`
	Regenerate       bool     `json:"regenerate"`
	Mode             string   `json:"mode"`
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`
}

// chatStream runs one conversation turn. Failures before the first frame
// answer with the envelope; once streaming starts the response is NDJSON
// and errors travel as error frames.
func (s *Server) chatStream(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "malformed request body")
		return
	}
	convID, okID := parseID(req.ConversationID)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid conversationId")
		return
	}
	parentID, okID := parseID(req.ParentMessageID)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid parentMessageId")
		return
	}

	modelCode := req.ModelCode
	if modelCode == "" {
		modelCode = req.ModelID
	}

	writer := &streamWriter{c: c, inner: chat.NewNDJSONWriter(c.Writer)}
	err := s.chat.StreamTurn(c.Request.Context(), currentUserID(c), chat.StreamRequest{
		ConversationID:   convID,
		Content:          req.Content,
		ModelCode:        modelCode,
		ParentMessageID:  parentID,
		Regenerate:       req.Regenerate,
		Mode:             req.Mode,
		KnowledgeBaseIDs: req.KnowledgeBaseIDs,
	}, writer)
	if err != nil {
		if writer.started {
			s.logger.Error("stream failed after first frame: %v", err)
			return
		}
		failErr(c, err)
	}
}

// streamWriter defers the NDJSON headers until the first frame, so
// pre-stream failures still answer with the JSON envelope.
type streamWriter struct {
	c       *gin.Context
	inner   *chat.NDJSONWriter
	started bool
}

func (w *streamWriter) WriteEvent(ev chat.Event) error {
	if !w.started {
		w.started = true
		header := w.c.Writer.Header()
		header.Set("Content-Type", "application/x-ndjson; charset=utf-8")
		header.Set("Cache-Control", "no-cache")
		header.Set("X-Accel-Buffering", "no")
		w.c.Writer.WriteHeader(http.StatusOK)
	}
	return w.inner.WriteEvent(ev)
}

type createConversationRequest struct {
	Title     string `json:"title"`
	ModelCode string `json:"modelCode"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "malformed request body")
		return
	}
	conv, err := s.conversations.Create(c.Request.Context(), currentUserID(c), strings.TrimSpace(req.Title), req.ModelCode)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, conv)
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.conversations.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, convs)
}

func (s *Server) getConversation(c *gin.Context) {
	id, okID := pathID(c)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid conversation id")
		return
	}
	conv, err := s.conversations.EnsureOwner(c.Request.Context(), id, currentUserID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, conv)
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) renameConversation(c *gin.Context) {
	id, okID := pathID(c)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid conversation id")
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "malformed request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len([]rune(title)) > 255 {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "title must be 1-255 characters")
		return
	}
	if err := s.conversations.Rename(c.Request.Context(), currentUserID(c), id, title); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) deleteConversation(c *gin.Context) {
	id, okID := pathID(c)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid conversation id")
		return
	}
	if err := s.chat.DeleteConversation(c.Request.Context(), currentUserID(c), id); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) conversationHistory(c *gin.Context) {
	id, okID := pathID(c)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid conversation id")
		return
	}
	hist, err := s.conversations.History(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, hist)
}

type currentMessageRequest struct {
	MessageID string `json:"messageId"`
}

func (s *Server) setCurrentMessage(c *gin.Context) {
	id, okID := pathID(c)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid conversation id")
		return
	}
	var req currentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "malformed request body")
		return
	}
	msgID, okID := parseID(req.MessageID)
	if !okID || msgID == 0 {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid messageId")
		return
	}

	if _, err := s.conversations.EnsureOwner(c.Request.Context(), id, currentUserID(c)); err != nil {
		failErr(c, err)
		return
	}
	msg, err := s.conversations.GetMessage(c.Request.Context(), msgID)
	if err != nil {
		failErr(c, err)
		return
	}
	if msg.ConversationID != id {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "message does not belong to the conversation")
		return
	}
	if err := s.conversations.SetCurrentMessage(c.Request.Context(), id, msgID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

// messageSiblings answers branch navigation: the alternative regenerations
// at the message's position.
func (s *Server) messageSiblings(c *gin.Context) {
	msgID, okID := pathID(c)
	if !okID {
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, "invalid message id")
		return
	}
	msg, err := s.conversations.GetMessage(c.Request.Context(), msgID)
	if err != nil {
		failErr(c, err)
		return
	}
	if _, err := s.conversations.EnsureOwner(c.Request.Context(), msg.ConversationID, currentUserID(c)); err != nil {
		failErr(c, err)
		return
	}
	set, err := s.conversations.SiblingMessages(c.Request.Context(), msgID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, set)
}
