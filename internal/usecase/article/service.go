package article

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"completion-relay/internal/domain"
	"completion-relay/internal/usecase/relay"
)

const systemPrompt = `You write blog articles. Answer with a JSON object of the form {"title": string, "content": string}. The content is the article body in HTML paragraphs. Do not add any text outside the JSON object.`

// Answerer produces the raw upstream text for a conversation.
type Answerer interface {
	Answer(ctx context.Context, in relay.Input) (relay.Answer, error)
}

type Request struct {
	relay.Input
	Title    string
	Topic    string
	Tone     string
	MinWords int
}

type Article struct {
	Title   string
	Content string
}

type Service struct {
	relay Answerer
}

func NewService(relay Answerer) *Service {
	return &Service{relay: relay}
}

// Generate builds the article prompt when the caller sent only a topic, asks
// the relay for an answer and unwraps a JSON reply when there is one.
func (s *Service) Generate(ctx context.Context, req Request) (Article, error) {
	in := req.Input
	if strings.TrimSpace(in.Text) == "" && len(in.Messages) == 0 && strings.TrimSpace(req.Topic) != "" {
		in.Text = BuildPrompt(req)
	}
	if _, err := relay.Resolve(in); err != nil {
		return Article{}, err
	}
	if len(in.Messages) == 0 {
		in.History = append([]domain.Turn{{Role: domain.RoleSystem, Content: systemPrompt}}, in.History...)
	}

	answer, err := s.relay.Answer(ctx, in)
	if err != nil {
		return Article{}, err
	}

	title, content := Extract(answer.Text)
	if title == "" {
		title = domain.FirstNonEmpty(req.Title, req.Topic)
	}
	return Article{Title: title, Content: content}, nil
}

// BuildPrompt renders the user prompt for a topic based article.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a blog article about %q.", strings.TrimSpace(req.Topic))
	if tone := strings.TrimSpace(req.Tone); tone != "" {
		fmt.Fprintf(&b, " Use a %s tone.", tone)
	}
	if req.MinWords > 0 {
		fmt.Fprintf(&b, " The article must be at least %d words long.", req.MinWords)
	}
	if title := strings.TrimSpace(req.Title); title != "" {
		fmt.Fprintf(&b, " Use the title %q.", title)
	}
	return b.String()
}

// Extract pulls title and content out of a model reply that may be a JSON
// object, optionally wrapped in a fenced code block. Anything else is
// returned verbatim as the content.
func Extract(raw string) (title, content string) {
	body := stripFence(strings.TrimSpace(raw))

	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return "", raw
	}
	c, ok := obj["content"].(string)
	if !ok {
		return "", raw
	}
	t, _ := obj["title"].(string)
	return strings.TrimSpace(t), c
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s[3:], "```")
	// drop the language tag line, e.g. ```json
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.ContainsAny(inner[:nl], "{[\"") {
		inner = inner[nl+1:]
	} else {
		inner = dropLanguageTag(inner)
	}
	return strings.TrimSpace(inner)
}

// dropLanguageTag removes a tag sharing the line with the payload, as in
// ```json {"content":"x"}```.
func dropLanguageTag(s string) string {
	n := 0
	for n < len(s) && (s[n] >= 'a' && s[n] <= 'z' || s[n] >= 'A' && s[n] <= 'Z') {
		n++
	}
	if n == 0 {
		return s
	}
	rest := strings.TrimSpace(s[n:])
	if strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
		return rest
	}
	return s
}
