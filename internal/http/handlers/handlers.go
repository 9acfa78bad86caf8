package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-queue-registration/internal/conversation"
	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/services"
)

// RegistrationService is the intake side consumed by the handlers.
type RegistrationService interface {
	// SubmitOnce persists and enqueues req; a repeated key replays the first id.
	SubmitOnce(ctx context.Context, key string, req services.RegistrationRequest) (uint, bool, error)
	Get(ctx context.Context, id uint) (*domain.Registration, error)
	ListByRequester(ctx context.Context, whatsappID string, page, pageSize int) ([]domain.Registration, int64, error)
}

// OutcomeService applies terminal reports from the automation worker.
type OutcomeService interface {
	ReportOutcome(ctx context.Context, o services.Outcome) (services.Ack, error)
}

// Conversation runs chat turns through the intake state machine.
type Conversation interface {
	Respond(ctx context.Context, requesterID, text string) conversation.Reply
	Reset(requesterID string)
}

// StatsSource backs the list ETag: record count and newest update time for
// a requester.
type StatsSource interface {
	Stats(ctx context.Context, whatsappID string) (int64, *time.Time, error)
}

// Handlers groups the API endpoints. Stats is optional; without it list
// responses carry no ETag.
type Handlers struct {
	regSvc  RegistrationService
	outSvc  OutcomeService
	conv    Conversation
	stats   StatsSource
	nowFunc func() time.Time
}

// New returns Handlers bound to the given services.
func New(reg RegistrationService, out OutcomeService, conv Conversation, stats StatsSource) *Handlers {
	return &Handlers{regSvc: reg, outSvc: out, conv: conv, stats: stats, nowFunc: time.Now}
}

// StatusResponse is the health payload.
type StatusResponse struct {
	Status string    `json:"status" example:"API running"`
	Time   time.Time `json:"time" example:"2025-11-01T08:00:00Z"`
}

// Status godoc
// @ID          status
// @Summary     Service status
// @Description Liveness check; needs no token.
// @Tags        Health
// @Produce     json
// @Success     200  {object}  handlers.StatusResponse
// @Router      /status [get]
func (h *Handlers) Status(c *gin.Context) {
	ok(c, http.StatusOK, StatusResponse{Status: "API running", Time: h.nowFunc().UTC()})
}
