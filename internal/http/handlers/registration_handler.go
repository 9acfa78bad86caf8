package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/http/middleware"
	"github.com/tbourn/go-queue-registration/internal/services"
	"github.com/tbourn/go-queue-registration/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitResponse is returned when a registration is queued.
type SubmitResponse struct {
	Message        string `json:"message" example:"Pendaftaran berhasil diantrikan."`
	RegistrationID uint   `json:"registration_id" example:"42"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRegistrationsResponse is one page of a requester's registrations.
type ListRegistrationsResponse struct {
	Registrations []domain.Registration `json:"registrations"`
	Pagination    Pagination            `json:"pagination"`
}

// SubmitRegistration godoc
// @ID          submitRegistration
// @Summary     Queue a registration
// @Description Persists the request as pending and queues it for the automation worker.
// @Description A repeated Idempotency-Key returns the first registration id with Idempotency-Replayed: true.
// @Tags        Registrations
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"  example(wa-6281234567890-1730448000)
// @Param       body             body    services.RegistrationRequest  true  "Registration"
// @Success     201  {object}  handlers.SubmitResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed JSON"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid token"
// @Failure     422  {object}  handlers.ValidationErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /registrations [post]
func (h *Handlers) SubmitRegistration(c *gin.Context) {
	var req services.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	id, replayed, err := h.regSvc.SubmitOnce(c.Request.Context(), key, req)
	if err != nil {
		if ve, isVE := services.AsValidationError(err); isVE {
			invalid(c, ve.Fields)
			return
		}
		middleware.LoggerFrom(c).Error().Err(err).Msg("submit registration")
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, msgServerError)
		return
	}
	if replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusCreated, SubmitResponse{Message: msgQueued, RegistrationID: id})
}

// GetRegistration godoc
// @ID          getRegistration
// @Summary     Fetch a registration
// @Tags        Registrations
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  int  true  "Registration ID"  minimum(1)
// @Success     200  {object}  domain.Registration
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /registrations/{id} [get]
func (h *Handlers) GetRegistration(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "registration id must be a positive integer")
		return
	}

	rec, err := h.regSvc.Get(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, services.ErrRegistrationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "registration not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, rec)
	}
}

// ListRegistrations godoc
// @ID          listRegistrations
// @Summary     List a requester's registrations
// @Description Most recent first. Supports a weak ETag via If-None-Match and may return 304.
// @Tags        Registrations
// @Produce     json
// @Security    BearerAuth
// @Param       whatsapp_id    query   string  true   "Requester chat id"  example(6281234567890)
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  handlers.ListRegistrationsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /registrations [get]
func (h *Handlers) ListRegistrations(c *gin.Context) {
	ctx := c.Request.Context()
	wa := strings.TrimSpace(c.Query("whatsapp_id"))
	if wa == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "whatsapp_id is required")
		return
	}
	page, pageSize := utils.PageParams(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)

	// ETag pre-check (best effort).
	if h.stats != nil {
		if count, maxTS, err := h.stats.Stats(ctx, wa); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"registrations:%s:%d:%d"`, wa, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.regSvc.ListByRequester(ctx, wa, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if items == nil {
		items = []domain.Registration{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListRegistrationsResponse{
		Registrations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
