package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"completion-relay/internal/domain"
	"completion-relay/internal/usecase/article"
	"completion-relay/internal/usecase/relay"
)

// relayPayload is the union of every body field the relay routes accept.
type relayPayload struct {
	Message          string        `json:"message"`
	Prompt           string        `json:"prompt"`
	Query            string        `json:"query"`
	Text             string        `json:"text"`
	Messages         []turnPayload `json:"messages"`
	History          []turnPayload `json:"history"`
	Model            string        `json:"model"`
	AssistantID      string        `json:"assistantId"`
	AssistantIDSnake string        `json:"assistant_id"`
	Voice            looseBool     `json:"voice"`
	TTSModel         string        `json:"tts_model"`
	TTSVoice         string        `json:"tts_voice"`
	Temperature      *float32      `json:"temperature"`
	MaxTokens        looseInt      `json:"max_tokens"`
	Title            string        `json:"title"`
	Topic            string        `json:"topic"`
	Tone             string        `json:"tone"`
	MinWords         looseInt      `json:"min_words"`
}

// turnPayload accepts content either as a string or as a list of text parts.
type turnPayload struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (t turnPayload) text() string {
	if len(t.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(t.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(t.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "", "text", "input_text", "output_text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		*b = true
	default:
		*b = false
	}
	return nil
}

type looseInt int

func (n *looseInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*n = looseInt(f)
	return nil
}

// maxBodyBytes caps relay request bodies.
const maxBodyBytes = 1 << 20

var (
	errInvalidBody  = errors.New("invalid request body")
	errBodyTooLarge = errors.New("request body too large")
)

// bindPayload decodes the JSON body when there is one; an empty body is
// allowed so that query-string callers work.
func bindPayload(c *gin.Context) (relayPayload, error) {
	var p relayPayload
	if c.Request.Body == nil {
		return p, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return p, errBodyTooLarge
		}
		return p, errInvalidBody
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, errInvalidBody
	}
	return p, nil
}

func (p relayPayload) freeText(c *gin.Context) string {
	return domain.FirstNonEmpty(
		p.Message, p.Prompt, p.Query, p.Text,
		c.Query("message"), c.Query("prompt"), c.Query("query"), c.Query("text"),
	)
}

func (p relayPayload) input(c *gin.Context) relay.Input {
	return relay.Input{
		Text:        p.freeText(c),
		Messages:    toTurns(p.Messages),
		History:     toTurns(p.History),
		AssistantID: domain.FirstNonEmpty(p.AssistantID, p.AssistantIDSnake, c.Query("assistantId"), c.Query("assistant_id")),
		Model:       domain.FirstNonEmpty(p.Model, c.Query("model")),
		Temperature: p.Temperature,
		MaxTokens:   int(p.MaxTokens),
	}
}

func (p relayPayload) articleRequest(c *gin.Context) article.Request {
	return article.Request{
		Input:    p.input(c),
		Title:    domain.FirstNonEmpty(p.Title, c.Query("title")),
		Topic:    domain.FirstNonEmpty(p.Topic, c.Query("topic")),
		Tone:     domain.FirstNonEmpty(p.Tone, c.Query("tone")),
		MinWords: int(p.MinWords),
	}
}

func toTurns(in []turnPayload) []domain.Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Turn, 0, len(in))
	for _, t := range in {
		out = append(out, domain.Turn{Role: t.Role, Content: t.text()})
	}
	return out
}
