package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/adapters/evolution"
)

// EvolutionHandler serves the Evolution API (WhatsApp) webhook.
type EvolutionHandler struct {
	ingest  Ingester
	timeout time.Duration
}

func NewEvolutionHandler(ingest Ingester, timeout time.Duration) *EvolutionHandler {
	if ingest == nil {
		log.Fatal().Msg("Ingester cannot be nil for EvolutionHandler")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &EvolutionHandler{ingest: ingest, timeout: timeout}
}

// Handle always acknowledges; Evolution retries aggressively otherwise.
func (h *EvolutionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var payload evolution.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode Evolution webhook payload")
		w.WriteHeader(http.StatusOK)
		return
	}

	log.Info().Str("eventType", payload.EventName()).Str("instance", payload.Instance).Msg("Received Evolution event")

	envelopes, skips, err := evolution.Normalize(&payload)
	if err != nil {
		log.Warn().Err(err).Str("eventType", payload.Event).Msg("Ignoring Evolution webhook")
		w.WriteHeader(http.StatusOK)
		return
	}
	logSkips("evolution", skips)

	if len(envelopes) > 0 {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
		defer cancel()
		h.ingest.Ingest(ctx, envelopes)
	}
	w.WriteHeader(http.StatusOK)
}
