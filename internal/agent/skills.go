package agent

import (
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/models"
)

// Picker chooses an index in [0, n).
type Picker func(n int) int

// RandomPicker picks uniformly.
func RandomPicker(n int) int { return rand.Intn(n) }

type matcher struct {
	re   *regexp.Regexp
	text string
}

type compiledSkill struct {
	models.Skill
	matchers []matcher
}

// SkillSet holds an agent's enabled skills in priority order.
type SkillSet struct {
	skills []compiledSkill
	pick   Picker
}

// NewSkillSet sorts skills by priority and compiles their patterns. A pattern
// prefixed with "re:" is a case-insensitive regular expression; anything
// else matches by case and accent insensitive containment.
func NewSkillSet(skills []models.Skill, pick Picker) *SkillSet {
	if pick == nil {
		pick = RandomPicker
	}
	enabled := make([]models.Skill, 0, len(skills))
	for _, sk := range skills {
		if sk.IsEnabled && len(sk.Responses) > 0 {
			enabled = append(enabled, sk)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})

	ss := &SkillSet{pick: pick, skills: make([]compiledSkill, 0, len(enabled))}
	for _, sk := range enabled {
		cs := compiledSkill{Skill: sk}
		for _, p := range sk.MatchPatterns {
			if expr, ok := strings.CutPrefix(p, "re:"); ok {
				re, err := regexp.Compile("(?i)" + expr)
				if err != nil {
					log.Warn().Err(err).Str("skillID", sk.ID).Str("pattern", p).Msg("Invalid skill pattern ignored")
					continue
				}
				cs.matchers = append(cs.matchers, matcher{re: re})
				continue
			}
			if t := Fold(strings.TrimSpace(p)); t != "" {
				cs.matchers = append(cs.matchers, matcher{text: t})
			}
		}
		ss.skills = append(ss.skills, cs)
	}
	return ss
}

// Match returns the first skill with a matching pattern, or nil.
func (ss *SkillSet) Match(content string) *models.Skill {
	folded := Fold(content)
	for i := range ss.skills {
		for _, m := range ss.skills[i].matchers {
			if m.re != nil && m.re.MatchString(content) || m.re == nil && containsFolded(folded, m.text) {
				return &ss.skills[i].Skill
			}
		}
	}
	return nil
}

// Respond picks one of the skill's responses and renders it.
func (ss *SkillSet) Respond(sk *models.Skill, vars map[string]any) string {
	if sk == nil || len(sk.Responses) == 0 {
		return ""
	}
	i := ss.pick(len(sk.Responses))
	if i < 0 || i >= len(sk.Responses) {
		i = 0
	}
	return Render(sk.Responses[i], vars)
}

// Skills returns the enabled skills, for prompting the model.
func (ss *SkillSet) Skills() []models.Skill {
	out := make([]models.Skill, len(ss.skills))
	for i := range ss.skills {
		out[i] = ss.skills[i].Skill
	}
	return out
}

var templateVar = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Render replaces {{name}} tokens with vars[name]. Unknown names render empty.
func Render(tmpl string, vars map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(tok string) string {
		name := templateVar.FindStringSubmatch(tok)[1]
		v, ok := vars[name]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	})
}
