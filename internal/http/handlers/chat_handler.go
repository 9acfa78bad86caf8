package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ChatTurnRequest is one inbound chat message relayed by the gateway.
type ChatTurnRequest struct {
	WhatsappID string `json:"whatsapp_id" binding:"required,max=15" example:"6281234567890"`
	Text       string `json:"text" example:"daftar"`
}

// ChatTurnResponse is the text to send back and, when the turn queued a
// registration, its id.
type ChatTurnResponse struct {
	Reply          string `json:"reply"`
	RegistrationID uint   `json:"registration_id,omitempty" example:"42"`
}

// ChatTurn godoc
// @ID          chatTurn
// @Summary     Handle a chat turn
// @Description Advances the requester's intake conversation. A complete data turn queues a registration.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.ChatTurnRequest  true  "Turn"
// @Success     200  {object}  handlers.ChatTurnResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /chat/turns [post]
func (h *Handlers) ChatTurn(c *gin.Context) {
	var req ChatTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.WhatsappID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "whatsapp_id required (max 15 chars)")
		return
	}

	reply := h.conv.Respond(c.Request.Context(), strings.TrimSpace(req.WhatsappID), req.Text)
	ok(c, http.StatusOK, ChatTurnResponse{Reply: reply.Text, RegistrationID: reply.RegistrationID})
}

// ResetConversation godoc
// @ID          resetConversation
// @Summary     Reset a conversation
// @Description Drops the requester's intake state; the next turn starts from idle.
// @Tags        Chat
// @Security    BearerAuth
// @Param       whatsapp_id  path  string  true  "Requester chat id"
// @Success     204  {string}  string  "No Content"
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /chat/conversations/{whatsapp_id} [delete]
func (h *Handlers) ResetConversation(c *gin.Context) {
	h.conv.Reset(c.Param("whatsapp_id"))
	noContent(c)
}
