package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/models"
)

func TestSkillSetMatch(t *testing.T) {
	ss := NewSkillSet([]models.Skill{
		{ID: "hours", Priority: 2, MatchPatterns: models.StringList{"horário", "open"}, Responses: models.StringList{"9 to 5"}, IsEnabled: true},
		{ID: "price", Priority: 1, MatchPatterns: models.StringList{`re:\bprice\b`}, Responses: models.StringList{"$10"}, IsEnabled: true},
		{ID: "off", Priority: 0, MatchPatterns: models.StringList{"open"}, Responses: models.StringList{"never"}, IsEnabled: false},
		{ID: "empty", Priority: 0, MatchPatterns: models.StringList{"open"}, IsEnabled: true},
	}, nil)

	tests := []struct {
		content string
		want    string
	}{
		{"Qual o HORARIO?", "hours"},
		{"are you open today", "hours"},
		{"What's the PRICE and when are you open?", "price"},
		{"priceless", ""},
		{"hello", ""},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			sk := ss.Match(tt.content)
			if tt.want == "" {
				assert.Nil(t, sk)
				return
			}
			require.NotNil(t, sk)
			assert.Equal(t, tt.want, sk.ID)
		})
	}
}

func TestSkillSetRespondUsesPicker(t *testing.T) {
	sk := models.Skill{ID: "greet", MatchPatterns: models.StringList{"hi"},
		Responses: models.StringList{"Hello {{contact_name}}!", "Hey {{ first_name }}"}, IsEnabled: true}
	ss := NewSkillSet([]models.Skill{sk}, func(n int) int { return n - 1 })

	got := ss.Respond(ss.Match("hi"), map[string]any{"first_name": "Ana"})
	assert.Equal(t, "Hey Ana", got)
}

func TestRender(t *testing.T) {
	vars := map[string]any{"name": "Ana", "contact.name": "Ana Souza", "count": 3, "nothing": nil}

	tests := []struct {
		tmpl string
		want string
	}{
		{"Hi {{name}}", "Hi Ana"},
		{"Hi {{  name }}", "Hi Ana"},
		{"Hi {{contact.name}}", "Hi Ana Souza"},
		{"{{count}} items", "3 items"},
		{"Hi {{missing}}!", "Hi !"},
		{"Hi {{nothing}}", "Hi "},
		{"No tokens", "No tokens"},
		{"Broken {{name", "Broken {{name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.tmpl, vars), tt.tmpl)
	}
}
