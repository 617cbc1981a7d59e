package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"omnidesk/internal/adapters/llm"
	"omnidesk/internal/models"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "atencao humano", Fold("Atenção HUMANO"))
	assert.Equal(t, "cafe", Fold("café"))
}

func TestRuleSetFirstMatchWins(t *testing.T) {
	rs := NewRuleSet([]models.HandoffRule{
		{ID: "r2", Priority: 2, ConditionType: models.ConditionKeyword, ConditionValue: "help", ReasonCode: "R2", IsEnabled: true},
		{ID: "r1", Priority: 1, ConditionType: models.ConditionKeyword, ConditionValue: "help", ReasonCode: "R1", PreMessage: "Transferring", IsEnabled: true},
	})

	d := rs.Evaluate("I need help", EvalContext{}, nil)
	assert.True(t, d.ShouldHandoff)
	assert.Equal(t, "R1", d.ReasonCode)
	assert.Equal(t, "Transferring", d.PreMessage)
	assert.Equal(t, "r1", d.RuleID)
}

func TestRuleSetConditions(t *testing.T) {
	sess := &models.AgentSession{
		IntentHistory:    models.StringList{"greeting", "complaint"},
		SentimentHistory: models.StringList{"negative"},
		ConfidenceScores: models.FloatList{0.9, 0.3},
	}

	tests := []struct {
		name    string
		rule    models.HandoffRule
		content string
		ec      EvalContext
		sess    *models.AgentSession
		want    bool
	}{
		{"always", models.HandoffRule{ConditionType: models.ConditionAlways}, "x", EvalContext{}, nil, true},
		{"keyword list", models.HandoffRule{ConditionType: models.ConditionKeyword, ConditionValue: "atendente, humano"}, "Quero um HUMANO", EvalContext{}, nil, true},
		{"keyword accents", models.HandoffRule{ConditionType: models.ConditionKeyword, ConditionValue: "atenção"}, "preciso de atencao", EvalContext{}, nil, true},
		{"keyword miss", models.HandoffRule{ConditionType: models.ConditionKeyword, ConditionValue: "refund"}, "hello", EvalContext{}, nil, false},
		{"empty keyword never matches", models.HandoffRule{ConditionType: models.ConditionKeyword, ConditionValue: " , "}, "hello", EvalContext{}, nil, false},
		{"regex case insensitive", models.HandoffRule{ConditionType: models.ConditionRegex, ConditionValue: `order\s+#?\d+`}, "ORDER #123 missing", EvalContext{}, nil, true},
		{"invalid regex", models.HandoffRule{ConditionType: models.ConditionRegex, ConditionValue: `([`}, "([", EvalContext{}, nil, false},
		{"intent from context", models.HandoffRule{ConditionType: models.ConditionIntent, ConditionValue: "cancel, refund"}, "x", EvalContext{Intent: "Refund"}, nil, true},
		{"intent from history", models.HandoffRule{ConditionType: models.ConditionIntent, ConditionValue: "complaint"}, "x", EvalContext{}, sess, true},
		{"intent context wins over history", models.HandoffRule{ConditionType: models.ConditionIntent, ConditionValue: "complaint"}, "x", EvalContext{Intent: "greeting"}, sess, false},
		{"sentiment", models.HandoffRule{ConditionType: models.ConditionSentiment, ConditionValue: "negative"}, "x", EvalContext{}, sess, true},
		{"confidence below", models.HandoffRule{ConditionType: models.ConditionConfidence, ConditionValue: "0.5"}, "x", EvalContext{}, sess, true},
		{"confidence above", models.HandoffRule{ConditionType: models.ConditionConfidence, ConditionValue: "0.2"}, "x", EvalContext{}, sess, false},
		{"confidence without scores", models.HandoffRule{ConditionType: models.ConditionConfidence, ConditionValue: "0.5"}, "x", EvalContext{}, &models.AgentSession{}, false},
		{"unknown type", models.HandoffRule{ConditionType: "weather"}, "x", EvalContext{}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.ID = "r"
			tt.rule.ReasonCode = "reason"
			tt.rule.IsEnabled = true
			d := NewRuleSet([]models.HandoffRule{tt.rule}).Evaluate(tt.content, tt.ec, tt.sess)
			assert.Equal(t, tt.want, d.ShouldHandoff)
		})
	}
}

func TestRuleSetSkipsDisabled(t *testing.T) {
	rs := NewRuleSet([]models.HandoffRule{
		{ID: "a", Priority: 1, ConditionType: models.ConditionAlways, ReasonCode: "off", IsEnabled: false},
		{ID: "b", Priority: 2, ConditionType: models.ConditionAlways, ReasonCode: "on", IsEnabled: true},
	})
	assert.Equal(t, 1, rs.Len())
	assert.Equal(t, "on", rs.Evaluate("x", EvalContext{}, nil).ReasonCode)
}

func TestGate(t *testing.T) {
	agent := &models.AIAgent{ConfidenceThreshold: 0.8, FallbackType: models.FallbackMessage,
		FallbackMessage: "Sorry, could you rephrase?", HandoffMessage: "A human will take over"}

	v := Gate(agent, &llm.Generation{Response: "Sure!", Confidence: 0.9})
	assert.Equal(t, "Sure!", v.Response)
	assert.False(t, v.IsFallback)

	v = Gate(agent, &llm.Generation{Response: "Maybe", Confidence: 0.5})
	assert.Equal(t, "Sorry, could you rephrase?", v.Response)
	assert.True(t, v.IsFallback)
	assert.False(t, v.ShouldHandoff)

	agent.FallbackType = models.FallbackHandoff
	v = Gate(agent, &llm.Generation{Response: "Maybe", Confidence: 0.5})
	assert.True(t, v.ShouldHandoff)
	assert.Equal(t, ReasonLowConfidence, v.HandoffReason)
	assert.Equal(t, "A human will take over", v.Response)
}
