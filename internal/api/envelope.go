// Package api exposes the HTTP surface: the streaming chat endpoint,
// auth, and the conversation projections, all behind one JSON envelope.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smallnest/chatgraph/internal/auth"
	"github.com/smallnest/chatgraph/internal/chat"
	"github.com/smallnest/chatgraph/internal/conversation"
)

// Envelope error codes.
const (
	CodeUnauthorized = "AUTH-401"
	CodeForbidden    = "CONV-403"
	CodeNotFound     = "CONV-404"
	CodeInvalid      = "VAL-422"
	CodeProvider     = "PROVIDER-502"
	CodeInternal     = "SYS-500"
)

// Response is the uniform JSON envelope of every non-streaming endpoint.
type Response struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{Success: false, Code: code, Message: message})
}

// failErr maps domain errors onto envelope codes and HTTP statuses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrSessionStoreUnavailable):
		fail(c, http.StatusServiceUnavailable, CodeInternal, "session store unavailable, please retry")
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrBadCredentials):
		fail(c, http.StatusUnauthorized, CodeUnauthorized, "authentication failed")
	case errors.Is(err, conversation.ErrForbidden):
		fail(c, http.StatusForbidden, CodeForbidden, "conversation not found or not owned by user")
	case errors.Is(err, conversation.ErrNotFound):
		fail(c, http.StatusNotFound, CodeNotFound, "message not found")
	case errors.Is(err, chat.ErrEmptyContent),
		errors.Is(err, chat.ErrInvalidMode),
		errors.Is(err, chat.ErrRegenerateTarget):
		fail(c, http.StatusUnprocessableEntity, CodeInvalid, err.Error())
	default:
		fail(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
