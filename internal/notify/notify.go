// Package notify delivers outcome notifications back to the requester's
// chat. Delivery is best effort: callers log failures and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

// msgDispatchUnavailable replaces dispatcher failure notes, which hold
// worker addresses and transport errors.
const msgDispatchUnavailable = "Layanan pendaftaran sedang tidak dapat dihubungi. Silakan coba daftar kembali nanti."

// Message renders the chat text for a terminal registration. Notes reported
// by the worker are passed on; notes from a failed dispatch are not.
func Message(r domain.Registration) string {
	switch r.Status {
	case domain.StatusSuccess:
		if r.QueueNumber != nil && *r.QueueNumber != "" {
			return fmt.Sprintf("Pendaftaran #%d berhasil. Nomor antrean Anda: %s (cabang %s, tanggal %s).",
				r.ID, *r.QueueNumber, r.BranchCode, r.DateRequested)
		}
		return fmt.Sprintf("Pendaftaran #%d berhasil (cabang %s, tanggal %s).", r.ID, r.BranchCode, r.DateRequested)
	case domain.StatusFailed:
		msg := fmt.Sprintf("Pendaftaran #%d gagal diproses.", r.ID)
		switch {
		case domain.IsDispatchFailure(r.Notes):
			msg += " " + msgDispatchUnavailable
		case r.Notes != "":
			msg += " Keterangan: " + r.Notes
		}
		return msg
	}
	return fmt.Sprintf("Pendaftaran #%d sedang diproses.", r.ID)
}

// Log writes notifications to the structured log only.
type Log struct{}

// NotifyOutcome logs the message that would be sent.
func (Log) NotifyOutcome(_ context.Context, r domain.Registration) error {
	log.Info().
		Uint("registration_id", r.ID).
		Str("status", string(r.Status)).
		Str("text", Message(r)).
		Msg("outcome notification")
	return nil
}

// Webhook posts {whatsapp_id, text} to the chat gateway.
type Webhook struct {
	URL   string
	Token string
	HTTP  *http.Client
}

// NewWebhook returns a Webhook with a 5s client timeout.
func NewWebhook(url, token string) *Webhook {
	return &Webhook{URL: url, Token: token, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

type webhookBody struct {
	WhatsappID string `json:"whatsapp_id"`
	Text       string `json:"text"`
}

// NotifyOutcome sends the outcome message; any non-2xx answer is an error.
func (w *Webhook) NotifyOutcome(ctx context.Context, r domain.Registration) error {
	body, err := json.Marshal(webhookBody{WhatsappID: r.WhatsappID, Text: Message(r)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("notify gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
