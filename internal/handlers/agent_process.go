package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"omnidesk/internal/agent"
	"omnidesk/internal/apperr"
)

// Processor runs the agent for one request.
type Processor interface {
	Process(ctx context.Context, req agent.ProcessRequest) (*agent.ProcessResult, error)
}

// AgentHandler serves POST /agent/process.
type AgentHandler struct {
	processor Processor
	validate  *validator.Validate
}

func NewAgentHandler(processor Processor) *AgentHandler {
	if processor == nil {
		log.Fatal().Msg("Processor cannot be nil for AgentHandler")
	}
	return &AgentHandler{processor: processor, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (h *AgentHandler) Process(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.AgentProcess"

	var req agent.ProcessRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, apperr.Validation(op, "invalid JSON body: "+err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, apperr.Validation(op, validationMessage(err)))
		return
	}

	res, err := h.processor.Process(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
