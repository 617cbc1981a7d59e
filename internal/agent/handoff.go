package agent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/models"
)

// Handoff reasons produced outside of configured rules.
const (
	ReasonSessionLimit  = "session_limit_reached"
	ReasonLowConfidence = "low_confidence"
)

// EvalContext carries per-turn signals the rules may look at.
type EvalContext struct {
	Intent    string
	Sentiment string
}

// Decision is the outcome of a rule evaluation.
type Decision struct {
	ShouldHandoff bool   `json:"should_handoff"`
	ReasonCode    string `json:"reason_code,omitempty"`
	PreMessage    string `json:"pre_message,omitempty"`
	RuleID        string `json:"rule_id,omitempty"`
}

type compiledRule struct {
	models.HandoffRule
	terms []string
	re    *regexp.Regexp
	limit float64
}

// RuleSet is an agent's enabled handoff rules in evaluation order.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet sorts rules by priority (ties by id) and compiles their
// conditions once. Rules that cannot be compiled stay in place and never match.
func NewRuleSet(rules []models.HandoffRule) *RuleSet {
	sorted := make([]models.HandoffRule, 0, len(rules))
	for _, r := range rules {
		if r.IsEnabled {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	rs := &RuleSet{rules: make([]compiledRule, 0, len(sorted))}
	for _, r := range sorted {
		cr := compiledRule{HandoffRule: r}
		switch r.ConditionType {
		case models.ConditionKeyword, models.ConditionIntent, models.ConditionSentiment:
			cr.terms = splitTerms(r.ConditionValue)
		case models.ConditionRegex:
			re, err := regexp.Compile("(?i)" + r.ConditionValue)
			if err != nil {
				log.Warn().Err(err).Str("ruleID", r.ID).Str("pattern", r.ConditionValue).Msg("Invalid handoff rule pattern, rule will never match")
			}
			cr.re = re
		case models.ConditionConfidence:
			f, err := strconv.ParseFloat(strings.TrimSpace(r.ConditionValue), 64)
			if err != nil {
				log.Warn().Err(err).Str("ruleID", r.ID).Str("value", r.ConditionValue).Msg("Invalid confidence rule value, rule will never match")
				f = -1
			}
			cr.limit = f
		case models.ConditionAlways:
		default:
			log.Warn().Str("ruleID", r.ID).Str("conditionType", r.ConditionType).Msg("Unknown handoff condition type")
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs
}

// Len returns the number of enabled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Evaluate returns the first matching rule's decision.
func (rs *RuleSet) Evaluate(content string, ec EvalContext, sess *models.AgentSession) Decision {
	folded := Fold(content)
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.matches(content, folded, ec, sess) {
			continue
		}
		log.Debug().Str("ruleID", r.ID).Str("conditionType", r.ConditionType).Str("reason", r.ReasonCode).Msg("Handoff rule matched")
		return Decision{
			ShouldHandoff: true,
			ReasonCode:    r.ReasonCode,
			PreMessage:    r.PreMessage,
			RuleID:        r.ID,
		}
	}
	return Decision{}
}

func (r *compiledRule) matches(content, folded string, ec EvalContext, sess *models.AgentSession) bool {
	switch r.ConditionType {
	case models.ConditionAlways:
		return true
	case models.ConditionKeyword:
		for _, term := range r.terms {
			if containsFolded(folded, term) {
				return true
			}
		}
		return false
	case models.ConditionRegex:
		return r.re != nil && r.re.MatchString(content)
	case models.ConditionIntent:
		return matchesTerm(r.terms, signal(ec.Intent, sess, func(s *models.AgentSession) []string { return s.IntentHistory }))
	case models.ConditionSentiment:
		return matchesTerm(r.terms, signal(ec.Sentiment, sess, func(s *models.AgentSession) []string { return s.SentimentHistory }))
	case models.ConditionConfidence:
		if sess == nil || r.limit < 0 {
			return false
		}
		last, ok := sess.LastConfidence()
		return ok && last < r.limit
	default:
		return false
	}
}

// signal prefers the value detected this turn and falls back to the session history.
func signal(current string, sess *models.AgentSession, history func(*models.AgentSession) []string) string {
	if current != "" {
		return current
	}
	if sess == nil {
		return ""
	}
	h := history(sess)
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1]
}

func matchesTerm(terms []string, value string) bool {
	if value == "" {
		return false
	}
	value = Fold(strings.TrimSpace(value))
	for _, t := range terms {
		if t == value {
			return true
		}
	}
	return false
}
