package agent

import (
	"context"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/adapters/llm"
	"omnidesk/internal/models"
)

// Generator produces a model reply for one turn.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Generation, error)
}

// Verdict is what the confidence gate decided to do with a generation.
type Verdict struct {
	Response      string
	IsFallback    bool
	ShouldHandoff bool
	HandoffReason string
}

// Gate applies the agent's confidence threshold to a generation. Below the
// threshold the agent either answers with its fallback message or hands the
// conversation off, depending on its fallback type.
func Gate(agent *models.AIAgent, gen *llm.Generation) Verdict {
	if gen.Confidence >= agent.ConfidenceThreshold {
		return Verdict{Response: gen.Response}
	}

	log.Info().
		Str("agentID", agent.ID).
		Float64("confidence", gen.Confidence).
		Float64("threshold", agent.ConfidenceThreshold).
		Str("fallbackType", string(agent.FallbackType)).
		Msg("Generation below confidence threshold")

	if agent.FallbackType == models.FallbackHandoff {
		return Verdict{ShouldHandoff: true, HandoffReason: ReasonLowConfidence, Response: agent.HandoffMessage}
	}
	return Verdict{Response: agent.FallbackMessage, IsFallback: true}
}
