package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/http/middleware"
	"github.com/tbourn/go-queue-registration/internal/services"
)

// OutcomeRequest is the automation worker's terminal report.
type OutcomeRequest struct {
	RegistrationID uint    `json:"registration_id" example:"42"`
	Status         string  `json:"status" example:"success" enums:"success,failed"`
	QueueNumber    *string `json:"queue_number,omitempty" example:"A-017"`
	Notes          string  `json:"notes,omitempty" example:"slot booked"`
}

// OutcomeResponse acknowledges a report. Applied is false for replays and
// for reports that conflict with an already recorded outcome.
type OutcomeResponse struct {
	Message string        `json:"message" example:"Status pendaftaran berhasil diperbarui."`
	Applied bool          `json:"applied"`
	Status  domain.Status `json:"status" example:"success"`
}

// ReportOutcome godoc
// @ID          reportOutcome
// @Summary     Report a registration outcome
// @Description Called by the automation worker. The first terminal outcome wins; repeats are acknowledged without change.
// @Tags        Registrations
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.OutcomeRequest  true  "Outcome"
// @Success     200  {object}  handlers.OutcomeResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed JSON"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid token"
// @Failure     422  {object}  handlers.ValidationErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /registrations/outcome [post]
func (h *Handlers) ReportOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.RegistrationID == 0 {
		invalid(c, map[string]string{"registration_id": "is required"})
		return
	}

	ack, err := h.outSvc.ReportOutcome(c.Request.Context(), services.Outcome{
		RegistrationID: req.RegistrationID,
		Status:         domain.Status(req.Status),
		QueueNumber:    req.QueueNumber,
		Notes:          req.Notes,
	})
	switch {
	case errors.Is(err, services.ErrInvalidStatus):
		invalid(c, map[string]string{"status": "must be success or failed"})
	case errors.Is(err, services.ErrRegistrationNotFound):
		invalid(c, map[string]string{"registration_id": "does not exist"})
	case err != nil:
		middleware.LoggerFrom(c).Error().Err(err).Uint("registration_id", req.RegistrationID).Msg("report outcome")
		fail(c, http.StatusInternalServerError, ErrCodeOutcomeFailed, msgServerError)
	default:
		ok(c, http.StatusOK, OutcomeResponse{Message: msgOutcomeApplied, Applied: ack.Applied, Status: ack.Status})
	}
}
