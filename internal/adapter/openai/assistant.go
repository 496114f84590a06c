package openai

import (
	"context"

	openaiapi "github.com/sashabaranov/go-openai"

	"completion-relay/internal/domain"
	"completion-relay/internal/usecase/relay"
)

const runMessagesLimit = 20

func (c *Client) CreateThread(ctx context.Context, apiKey string) (string, error) {
	thread, err := c.api(apiKey).CreateThread(ctx, openaiapi.ThreadRequest{})
	if err != nil {
		return "", upstreamError(err)
	}
	return thread.ID, nil
}

func (c *Client) AppendMessage(ctx context.Context, apiKey, threadID string, turn domain.Turn) error {
	_, err := c.api(apiKey).CreateMessage(ctx, threadID, openaiapi.MessageRequest{
		Role:    turn.Role,
		Content: turn.Content,
	})
	if err != nil {
		return upstreamError(err)
	}
	return nil
}

func (c *Client) CreateRun(ctx context.Context, apiKey, threadID string, req relay.RunRequest) (relay.RunState, error) {
	run, err := c.api(apiKey).CreateRun(ctx, threadID, openaiapi.RunRequest{
		AssistantID: req.AssistantID,
		Model:       req.Model,
	})
	if err != nil {
		return relay.RunState{}, upstreamError(err)
	}
	return toRunState(run), nil
}

func (c *Client) RetrieveRun(ctx context.Context, apiKey, threadID, runID string) (relay.RunState, error) {
	run, err := c.api(apiKey).RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return relay.RunState{}, upstreamError(err)
	}
	return toRunState(run), nil
}

func (c *Client) CancelRun(ctx context.Context, apiKey, threadID, runID string) error {
	if _, err := c.api(apiKey).CancelRun(ctx, threadID, runID); err != nil {
		return upstreamError(err)
	}
	return nil
}

func (c *Client) RunMessages(ctx context.Context, apiKey, threadID, runID string) ([]domain.ThreadMessage, error) {
	limit := runMessagesLimit
	order := "desc"
	var runFilter *string
	if runID != "" {
		runFilter = &runID
	}

	list, err := c.api(apiKey).ListMessage(ctx, threadID, &limit, &order, nil, nil, runFilter)
	if err != nil {
		return nil, upstreamError(err)
	}

	msgs := make([]domain.ThreadMessage, 0, len(list.Messages))
	for _, m := range list.Messages {
		parts := make([]string, 0, len(m.Content))
		for _, content := range m.Content {
			if content.Text == nil {
				continue
			}
			parts = append(parts, content.Text.Value)
		}
		msgs = append(msgs, domain.ThreadMessage{Role: m.Role, Parts: parts})
	}
	return msgs, nil
}

func (c *Client) DeleteThread(ctx context.Context, apiKey, threadID string) error {
	if _, err := c.api(apiKey).DeleteThread(ctx, threadID); err != nil {
		return upstreamError(err)
	}
	return nil
}

func toRunState(run openaiapi.Run) relay.RunState {
	return relay.RunState{ID: run.ID, Status: domain.RunStatus(run.Status)}
}
