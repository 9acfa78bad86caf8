package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

// maxErrorBody caps how much of a rejected response is kept in the error.
const maxErrorBody = 512

// Payload is the body sent to the worker's intake endpoint.
type Payload struct {
	ID            uint    `json:"id"`
	WhatsappID    string  `json:"whatsapp_id"`
	Name          *string `json:"name"`
	NIK           string  `json:"nik"`
	BranchCode    string  `json:"branch_code"`
	DateRequested string  `json:"date_requested"`
}

// PayloadFrom builds the worker payload for r.
func PayloadFrom(r *domain.Registration) Payload {
	return Payload{
		ID:            r.ID,
		WhatsappID:    r.WhatsappID,
		Name:          r.Name,
		NIK:           r.NIK,
		BranchCode:    r.BranchCode,
		DateRequested: r.DateRequested,
	}
}

// Caller delivers a payload to the automation worker.
type Caller interface {
	Dispatch(ctx context.Context, p Payload) error
}

// WorkerClient posts payloads to the worker's intake endpoint with a bearer
// token. Any 2xx response means the worker accepted the job.
type WorkerClient struct {
	URL   string
	Token string
	HTTP  *http.Client
}

// NewWorkerClient targets baseURL+intakePath with the given per-call timeout.
func NewWorkerClient(baseURL, intakePath, token string, timeout time.Duration) *WorkerClient {
	return &WorkerClient{
		URL:   strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(intakePath, "/"),
		Token: token,
		HTTP:  &http.Client{Timeout: timeout},
	}
}

// Dispatch sends p and classifies the result as nil, ErrTransient or
// ErrPermanent (wrapped with detail).
func (c *WorkerClient) Dispatch(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %w", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: call worker: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	class := ErrPermanent
	if resp.StatusCode >= 500 ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests {
		class = ErrTransient
	}
	return fmt.Errorf("%w: worker returned %d: %s", class, resp.StatusCode, detail)
}
