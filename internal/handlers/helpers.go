package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/apperr"
	"omnidesk/internal/models"
	"omnidesk/internal/services"
)

// maxWebhookBody bounds provider webhook bodies.
const maxWebhookBody = 5 << 20

// Ingester is the webhook side of the services layer.
type Ingester interface {
	Ingest(ctx context.Context, envelopes []models.Envelope) services.IngestSummary
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// respondWithError maps err to a status code and the {error, code} body.
func respondWithError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		log.Warn().Err(err).Int("status", status).Msg("Request rejected")
	}
	respondWithJSON(w, status, errorBody{Error: err.Error(), Code: string(apperr.KindOf(err))})
}

func logSkips(source string, skips []models.Skip) {
	for _, s := range skips {
		log.Debug().Str("source", source).Str("entry", s.Source).Int("index", s.Index).Str("reason", s.Reason).Msg("Skipped webhook event")
	}
}
