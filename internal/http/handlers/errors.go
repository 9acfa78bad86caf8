package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these, not on
// the message text.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	ErrCodeValidation       = "validation_failed"
	ErrCodeSubmitFailed     = "submit_failed"
	ErrCodeOutcomeFailed    = "outcome_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// User-facing messages; the chat gateway relays them as-is.
const (
	msgValidationFailed = "Validasi gagal"
	msgQueued           = "Pendaftaran berhasil diantrikan."
	msgOutcomeApplied   = "Status pendaftaran berhasil diperbarui."
	msgServerError      = "Terjadi kesalahan server."
)
