package llm

import (
	"fmt"
	"sort"
	"strings"

	"omnidesk/internal/models"
)

const responseContract = `Reply with a single JSON object and nothing else:
{"response": "<message to send to the customer>", "confidence": <0..1, how sure you are the response is correct and complete>, "intent": "<one or two words>", "sentiment": "positive|neutral|negative"}`

func buildMessages(req Request) []chatMessage {
	var sys strings.Builder
	if req.Agent != nil && strings.TrimSpace(req.Agent.SystemPrompt) != "" {
		sys.WriteString(strings.TrimSpace(req.Agent.SystemPrompt))
	} else {
		sys.WriteString("You are a helpful customer support assistant.")
	}
	if req.ChannelType != "" {
		fmt.Fprintf(&sys, "\n\nThe customer is writing over %s; keep replies short and plain text.", req.ChannelType)
	}

	if len(req.Skills) > 0 {
		sys.WriteString("\n\nKnown answers you may reuse:")
		for _, sk := range req.Skills {
			if !sk.IsEnabled || len(sk.Responses) == 0 {
				continue
			}
			fmt.Fprintf(&sys, "\n- %s: %s", sk.Name, sk.Responses[0])
		}
	}

	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sys.WriteString("\n\nWhat we know about this conversation:")
		for _, k := range keys {
			fmt.Fprintf(&sys, "\n- %s: %v", k, req.Context[k])
		}
	}

	sys.WriteString("\n\n")
	sys.WriteString(responseContract)

	msgs := []chatMessage{{Role: "system", Content: sys.String()}}
	for _, m := range req.History {
		role := "user"
		if m.Direction == models.DirectionOutgoing {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.Content})
}
