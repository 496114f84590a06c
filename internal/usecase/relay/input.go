package relay

import (
	"strings"

	"completion-relay/internal/domain"
)

// Input is a relay request after transport binding. Text carries whichever
// free-text alias the caller used.
type Input struct {
	Text        string
	Messages    []domain.Turn
	History     []domain.Turn
	AssistantID string
	Model       string
	Temperature *float32
	MaxTokens   int
}

// Resolve turns the accepted request shapes into one ordered conversation.
// A non-empty messages list wins; otherwise history is followed by the free
// text as the newest user turn.
func Resolve(in Input) ([]domain.Turn, error) {
	if turns := cleanTurns(in.Messages); len(turns) > 0 {
		return turns, nil
	}

	turns := cleanTurns(in.History)
	if text := strings.TrimSpace(in.Text); text != "" {
		turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: text})
	}
	if len(turns) == 0 {
		return nil, domain.ErrEmptyConversation
	}
	return turns, nil
}

func cleanTurns(in []domain.Turn) []domain.Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Turn, 0, len(in))
	for _, t := range in {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		out = append(out, domain.Turn{
			Role:    domain.NormalizeRole(t.Role),
			Content: content,
		})
	}
	return out
}

func withSystemPrompt(turns []domain.Turn, prompt string) []domain.Turn {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return turns
	}
	for _, t := range turns {
		if t.Role == domain.RoleSystem {
			return turns
		}
	}
	out := make([]domain.Turn, 0, len(turns)+1)
	out = append(out, domain.Turn{Role: domain.RoleSystem, Content: prompt})
	return append(out, turns...)
}

var placeholderAssistants = map[string]struct{}{
	"asst_placeholder":  {},
	"your_assistant_id": {},
	"assistant_id":      {},
	"undefined":         {},
	"null":              {},
	"none":              {},
	"changeme":          {},
}

// IsPlaceholderAssistant reports whether id is empty or one of the sample
// values shipped in example configs.
func IsPlaceholderAssistant(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return true
	}
	if _, ok := placeholderAssistants[id]; ok {
		return true
	}
	return strings.Contains(id, "xxx")
}
