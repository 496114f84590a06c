package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"completion-relay/internal/config"
	"completion-relay/internal/domain"
)

type Mode string

const (
	ModeAssistant  Mode = "assistant"
	ModeCompletion Mode = "completion"
)

const cleanupTimeout = 10 * time.Second

var errEmptyReply = errors.New("assistant produced no text")

// Client is the stateless chat-completion upstream.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// AssistantClient is the stateful thread/run upstream.
type AssistantClient interface {
	CreateThread(ctx context.Context, apiKey string) (string, error)
	AppendMessage(ctx context.Context, apiKey, threadID string, turn domain.Turn) error
	CreateRun(ctx context.Context, apiKey, threadID string, req RunRequest) (RunState, error)
	RetrieveRun(ctx context.Context, apiKey, threadID, runID string) (RunState, error)
	CancelRun(ctx context.Context, apiKey, threadID, runID string) error
	// RunMessages lists the messages a run produced, newest first.
	RunMessages(ctx context.Context, apiKey, threadID, runID string) ([]domain.ThreadMessage, error)
	DeleteThread(ctx context.Context, apiKey, threadID string) error
}

type CompletionRequest struct {
	APIKey      string
	Model       string
	Messages    []domain.Turn
	Temperature *float32
	MaxTokens   int
}

type RunRequest struct {
	AssistantID string
	Model       string
}

type RunState struct {
	ID     string
	Status domain.RunStatus
}

// Answer is the final text of one relay call and the mode that produced it.
type Answer struct {
	Text string
	Mode Mode
}

type Service struct {
	profile    config.Profile
	client     Client
	assistants AssistantClient
	cfg        config.Config
	log        *slog.Logger
}

func NewService(profile config.Profile, client Client, assistants AssistantClient, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunPollInterval <= 0 {
		cfg.RunPollInterval = time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	if cfg.RunMaxPolls <= 0 {
		cfg.RunMaxPolls = 120
	}
	return &Service{
		profile:    profile,
		client:     client,
		assistants: assistants,
		cfg:        cfg,
		log:        logger.With(slog.String("route", string(profile.Route))),
	}
}

func (s *Service) Profile() config.Profile {
	return s.profile
}

// Answer validates the input, then tries assistant mode when an assistant is
// configured and completion mode otherwise or after any assistant failure.
func (s *Service) Answer(ctx context.Context, in Input) (Answer, error) {
	turns, err := Resolve(in)
	if err != nil {
		return Answer{}, err
	}
	if strings.TrimSpace(s.profile.APIKey) == "" {
		return Answer{}, domain.ErrMissingCredential
	}
	turns = withSystemPrompt(turns, s.profile.SystemPrompt)

	model := domain.FirstNonEmpty(in.Model, s.profile.Model)
	assistantID := domain.FirstNonEmpty(in.AssistantID, s.profile.AssistantID)

	if s.assistants != nil && !IsPlaceholderAssistant(assistantID) {
		text, err := s.runAssistant(ctx, assistantID, strings.TrimSpace(in.Model), turns)
		if err == nil {
			return Answer{Text: text, Mode: ModeAssistant}, nil
		}

		attrs := []any{
			slog.String("assistant_id", assistantID),
			slog.Any("err", err),
		}
		var runErr *domain.RunError
		if errors.As(err, &runErr) {
			attrs = append(attrs, slog.String("run_id", runErr.RunID), slog.String("run_status", string(runErr.Status)))
		}
		s.log.WarnContext(ctx, "assistant mode failed, falling back to completion", attrs...)
	}

	text, err := s.complete(ctx, model, turns, in)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Mode: ModeCompletion}, nil
}

func (s *Service) complete(ctx context.Context, model string, turns []domain.Turn, in Input) (string, error) {
	resp, err := s.client.Complete(ctx, CompletionRequest{
		APIKey:      s.profile.APIKey,
		Model:       model,
		Messages:    turns,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp)
	if text == "" {
		return s.cfg.ApologyText, nil
	}
	return text, nil
}

func (s *Service) runAssistant(ctx context.Context, assistantID, model string, turns []domain.Turn) (string, error) {
	key := s.profile.APIKey

	threadID, err := s.assistants.CreateThread(ctx, key)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	defer s.deleteThread(ctx, threadID)

	appended := 0
	for _, t := range turns {
		role := domain.RoleUser
		switch t.Role {
		case domain.RoleAssistant:
			role = domain.RoleAssistant
		case domain.RoleSystem:
			if s.profile.DropSystemTurns {
				continue
			}
		}
		if err := s.assistants.AppendMessage(ctx, key, threadID, domain.Turn{Role: role, Content: t.Content}); err != nil {
			return "", fmt.Errorf("append message: %w", err)
		}
		appended++
	}
	if appended == 0 {
		return "", domain.ErrEmptyConversation
	}

	run, err := s.assistants.CreateRun(ctx, key, threadID, RunRequest{AssistantID: assistantID, Model: model})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	run, err = s.waitForRun(ctx, threadID, run)
	if err != nil {
		return "", err
	}
	if run.Status != domain.RunCompleted {
		return "", &domain.RunError{RunID: run.ID, Status: run.Status}
	}

	msgs, err := s.assistants.RunMessages(ctx, key, threadID, run.ID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(strings.Join(m.Parts, "\n")); text != "" {
			return text, nil
		}
		break
	}
	return "", errEmptyReply
}

// waitForRun polls until the run leaves the pending states, bounded by both
// the run timeout and the poll budget.
func (s *Service) waitForRun(ctx context.Context, threadID string, run RunState) (RunState, error) {
	if !run.Status.Pending() {
		return run, nil
	}

	deadline := time.NewTimer(s.cfg.RunTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.RunPollInterval)
	defer ticker.Stop()

	for polls := 0; run.Status.Pending(); polls++ {
		if polls >= s.cfg.RunMaxPolls {
			s.cancelRun(ctx, threadID, run.ID)
			return run, fmt.Errorf("%w: still %s after %d polls", domain.ErrRunTimeout, run.Status, polls)
		}

		select {
		case <-ctx.Done():
			s.cancelRun(ctx, threadID, run.ID)
			return run, ctx.Err()
		case <-deadline.C:
			s.cancelRun(ctx, threadID, run.ID)
			return run, fmt.Errorf("%w: still %s after %s", domain.ErrRunTimeout, run.Status, s.cfg.RunTimeout)
		case <-ticker.C:
		}

		next, err := s.assistants.RetrieveRun(ctx, s.profile.APIKey, threadID, run.ID)
		if err != nil {
			return run, fmt.Errorf("retrieve run: %w", err)
		}
		if next.ID == "" {
			next.ID = run.ID
		}
		run = next
	}
	return run, nil
}

func (s *Service) cancelRun(ctx context.Context, threadID, runID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.assistants.CancelRun(cctx, s.profile.APIKey, threadID, runID); err != nil {
		s.log.DebugContext(ctx, "cancel run failed", slog.String("run_id", runID), slog.Any("err", err))
	}
}

func (s *Service) deleteThread(ctx context.Context, threadID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.assistants.DeleteThread(cctx, s.profile.APIKey, threadID); err != nil {
		s.log.DebugContext(ctx, "delete thread failed", slog.String("thread_id", threadID), slog.Any("err", err))
	}
}
