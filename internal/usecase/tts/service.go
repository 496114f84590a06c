package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"completion-relay/internal/config"
	"completion-relay/internal/domain"
)

var ErrEmptyText = errors.New("empty text")

type Client interface {
	Speech(ctx context.Context, req Request) (Response, error)
}

type Request struct {
	APIKey string
	Model  string
	Voice  string
	Format string
	Text   string
}

type Response struct {
	Data   []byte
	Format string
}

// Options override the configured voice and model for one call.
type Options struct {
	APIKey string
	Model  string
	Voice  string
}

type Service struct {
	client Client
	cfg    config.Config
	log    *slog.Logger
}

func NewService(client Client, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		cfg:    cfg,
		log:    logger,
	}
}

func (s *Service) Synthesize(ctx context.Context, text string, opts Options) (Response, error) {
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrEmptyText
	}

	return s.client.Speech(ctx, Request{
		APIKey: domain.FirstNonEmpty(opts.APIKey, s.cfg.OpenAIKey),
		Model:  domain.FirstNonEmpty(opts.Model, s.cfg.TTSModel),
		Voice:  domain.FirstNonEmpty(opts.Voice, s.cfg.TTSVoice),
		Format: s.cfg.TTSFormat,
		Text:   text,
	})
}

// Speak synthesizes text and returns it base64 encoded. Any failure is logged
// and yields nil so the caller can still answer with text.
func (s *Service) Speak(ctx context.Context, text string, opts Options) *string {
	resp, err := s.Synthesize(ctx, text, opts)
	if err != nil {
		s.log.WarnContext(ctx, "speech synthesis failed",
			slog.String("model", domain.FirstNonEmpty(opts.Model, s.cfg.TTSModel)),
			slog.String("voice", domain.FirstNonEmpty(opts.Voice, s.cfg.TTSVoice)),
			slog.Any("err", err))
		return nil
	}
	if len(resp.Data) == 0 {
		s.log.WarnContext(ctx, "speech synthesis returned no audio")
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(resp.Data)
	return &encoded
}
