package openai

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	openaiapi "github.com/sashabaranov/go-openai"

	"completion-relay/internal/domain"
	"completion-relay/internal/usecase/relay"
)

// Client talks to an OpenAI compatible API. A go-openai client is kept per
// API key because routes may carry their own credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu   sync.Mutex
	apis map[string]*openaiapi.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		apis:       make(map[string]*openaiapi.Client),
	}
}

func (c *Client) api(token string) *openaiapi.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if api, ok := c.apis[token]; ok {
		return api
	}
	cfg := openaiapi.DefaultConfig(token)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.httpClient
	api := openaiapi.NewClientWithConfig(cfg)
	c.apis[token] = api
	return api
}

func (c *Client) Complete(ctx context.Context, req relay.CompletionRequest) (string, error) {
	apiReq := openaiapi.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    false,
		Messages:  toAPIMessages(req.Messages),
	}
	if req.Temperature != nil {
		apiReq.Temperature = *req.Temperature
		// Temperature is omitempty upstream; an explicit zero must still be sent.
		if apiReq.Temperature == 0 {
			apiReq.Temperature = math.SmallestNonzeroFloat32
		}
	}

	resp, err := c.api(req.APIKey).CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return "", upstreamError(err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	return resp.Choices[0].Message.Content, nil
}

func toAPIMessages(turns []domain.Turn) []openaiapi.ChatCompletionMessage {
	res := make([]openaiapi.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		res = append(res, openaiapi.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
		})
	}
	return res
}

// upstreamError keeps the upstream status and message so the transport can
// surface them.
func upstreamError(err error) error {
	var apiErr *openaiapi.APIError
	if errors.As(err, &apiErr) {
		return &domain.UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openaiapi.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &domain.UpstreamError{StatusCode: reqErr.HTTPStatusCode, Body: body, Err: err}
	}
	return &domain.UpstreamError{Err: err}
}
