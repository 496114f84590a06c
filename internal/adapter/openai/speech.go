package openai

import (
	"context"
	"errors"
	"io"
	"strings"

	openaiapi "github.com/sashabaranov/go-openai"

	"completion-relay/internal/usecase/tts"
)

func (c *Client) Speech(ctx context.Context, req tts.Request) (tts.Response, error) {
	if strings.TrimSpace(req.Model) == "" {
		return tts.Response{}, errors.New("tts model is required")
	}

	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = "mp3"
	}

	resp, err := c.api(req.APIKey).CreateSpeech(ctx, openaiapi.CreateSpeechRequest{
		Model:          openaiapi.SpeechModel(req.Model),
		Input:          req.Text,
		Voice:          openaiapi.SpeechVoice(req.Voice),
		ResponseFormat: openaiapi.SpeechResponseFormat(format),
	})
	if err != nil {
		return tts.Response{}, upstreamError(err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return tts.Response{}, err
	}

	return tts.Response{Data: data, Format: format}, nil
}
