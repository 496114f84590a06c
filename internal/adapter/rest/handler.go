package rest

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"completion-relay/internal/config"
	"completion-relay/internal/usecase/article"
	"completion-relay/internal/usecase/relay"
	"completion-relay/internal/usecase/tts"
)

type Answerer interface {
	Answer(ctx context.Context, in relay.Input) (relay.Answer, error)
}

type ArticleGenerator interface {
	Generate(ctx context.Context, req article.Request) (article.Article, error)
}

type Speaker interface {
	Speak(ctx context.Context, text string, opts tts.Options) *string
}

type Forwarder interface {
	Forward(ctx context.Context, apiKey, path, contentType string, body io.Reader) (*http.Response, error)
}

type Handler struct {
	cfg      config.Config
	chats    map[config.Route]Answerer
	articles ArticleGenerator
	speech   Speaker
	upstream Forwarder
	log      *slog.Logger
}

func NewHandler(
	cfg config.Config,
	chats map[config.Route]Answerer,
	articles ArticleGenerator,
	speech Speaker,
	upstream Forwarder,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		chats:    chats,
		articles: articles,
		speech:   speech,
		upstream: upstream,
		log:      logger,
	}
}

// Health serves GET / and GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Chat serves the conversational routes that answer with ChatResponse.
func (h *Handler) Chat(route config.Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, ok := h.chats[route]
		if !ok {
			c.JSON(http.StatusNotFound, errorResp(CodeValidation, "unknown route"))
			return
		}

		p, err := bindPayload(c)
		if err != nil {
			h.fail(c, routeAttr(route), err)
			return
		}

		ctx := c.Request.Context()
		answer, err := svc.Answer(ctx, p.input(c))
		if err != nil {
			h.fail(c, routeAttr(route), err)
			return
		}

		resp := ChatResponse{
			OK:       true,
			Text:     answer.Text,
			Response: answer.Text,
			Answer:   answer.Text,
		}
		if bool(p.Voice) && h.speech != nil {
			resp.Audio = h.speech.Speak(ctx, answer.Text, tts.Options{
				APIKey: h.cfg.Profile(route).APIKey,
				Model:  p.TTSModel,
				Voice:  p.TTSVoice,
			})
		}

		h.requestLog(c).InfoContext(ctx, "relay answered",
			slog.String("route", string(route)),
			slog.String("mode", string(answer.Mode)),
			slog.Bool("audio", resp.Audio != nil))
		c.JSON(http.StatusOK, resp)
	}
}

// Blog serves POST /blog.
func (h *Handler) Blog(c *gin.Context) {
	p, err := bindPayload(c)
	if err != nil {
		h.fail(c, routeAttr(config.RouteBlog), err)
		return
	}

	ctx := c.Request.Context()
	art, err := h.articles.Generate(ctx, p.articleRequest(c))
	if err != nil {
		h.fail(c, routeAttr(config.RouteBlog), err)
		return
	}

	c.JSON(http.StatusOK, ArticleResponse{OK: true, Title: art.Title, Content: art.Content})
}

// Forward relays the request body unchanged to the upstream path and streams
// the upstream answer back.
func (h *Handler) Forward(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if h.cfg.OpenAIKey == "" {
			c.JSON(http.StatusInternalServerError, errorResp(CodeConfig, "OpenAI API key is not configured on the server"))
			return
		}

		resp, err := h.upstream.Forward(ctx, h.cfg.OpenAIKey, path, c.ContentType(), c.Request.Body)
		if err != nil {
			h.fail(c, slog.String("path", path), err)
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			c.Header("Content-Type", ct)
		}
		c.Status(resp.StatusCode)

		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, err := c.Writer.Write(buf[:n]); err != nil {
					h.requestLog(c).WarnContext(ctx, "client went away during passthrough", slog.Any("err", err))
					return
				}
				c.Writer.Flush()
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				h.requestLog(c).WarnContext(ctx, "upstream stream broke", slog.String("path", path), slog.Any("err", readErr))
				return
			}
		}
	}
}

func routeAttr(route config.Route) slog.Attr {
	return slog.String("route", string(route))
}

// fail logs err under target and writes the classified envelope.
func (h *Handler) fail(c *gin.Context, target slog.Attr, err error) {
	status, body := classify(err)
	log := h.requestLog(c)
	attrs := []any{
		target,
		slog.Int("status", status),
		slog.String("code", body.Code),
		slog.Any("err", err),
	}
	if status >= http.StatusInternalServerError {
		log.ErrorContext(c.Request.Context(), "relay request failed", attrs...)
	} else {
		log.InfoContext(c.Request.Context(), "relay request rejected", attrs...)
	}
	c.JSON(status, body)
}

func (h *Handler) requestLog(c *gin.Context) *slog.Logger {
	return h.log.With(slog.String("request_id", c.GetString(requestIDKey)))
}
