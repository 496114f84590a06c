package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"completion-relay/internal/config"
	"completion-relay/internal/domain"
	"completion-relay/internal/usecase/article"
	"completion-relay/internal/usecase/relay"
	"completion-relay/internal/usecase/tts"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubCompletion struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []relay.CompletionRequest
}

func (s *stubCompletion) Complete(_ context.Context, req relay.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.reply, s.err
}

type stubSpeech struct {
	data []byte
	err  error
	got  []tts.Request
}

func (s *stubSpeech) Speech(_ context.Context, req tts.Request) (tts.Response, error) {
	s.got = append(s.got, req)
	return tts.Response{Data: s.data, Format: req.Format}, s.err
}

type stubForwarder struct {
	status int
	body   string
	err    error

	gotPath string
	gotBody string
}

func (s *stubForwarder) Forward(_ context.Context, _, path, _ string, body io.Reader) (*http.Response, error) {
	s.gotPath = path
	b, _ := io.ReadAll(body)
	s.gotBody = string(b)
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

type testApp struct {
	router     *gin.Engine
	completion *stubCompletion
	speech     *stubSpeech
	forwarder  *stubForwarder
	logs       *bytes.Buffer
}

func testConfig() config.Config {
	cfg := config.Config{
		OpenAIKey:       "sk-main",
		ApologyText:     "sorry",
		RunPollInterval: time.Millisecond,
		RunTimeout:      time.Second,
		RunMaxPolls:     10,
		TTSModel:        "gpt-4o-mini-tts",
		TTSVoice:        "alloy",
		TTSFormat:       "mp3",
		Profiles:        map[config.Route]config.Profile{},
	}
	for _, r := range config.Routes {
		cfg.Profiles[r] = config.Profile{Route: r, APIKey: "sk-" + string(r), Model: "gpt-4o"}
	}
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, limiter *RateLimiter) *testApp {
	t.Helper()
	app := &testApp{
		completion: &stubCompletion{reply: "hello there"},
		speech:     &stubSpeech{data: []byte("audio")},
		forwarder:  &stubForwarder{status: http.StatusOK, body: `{"id":"x"}`},
		logs:       &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(app.logs, nil))

	chats := make(map[config.Route]Answerer)
	for _, r := range []config.Route{config.RouteChat, config.RouteSchool, config.RouteAvatar} {
		chats[r] = relay.NewService(cfg.Profile(r), app.completion, nil, cfg, nil)
	}
	articles := article.NewService(relay.NewService(cfg.Profile(config.RouteBlog), app.completion, nil, cfg, nil))
	speech := tts.NewService(app.speech, cfg, nil)

	h := NewHandler(cfg, chats, articles, speech, app.forwarder, logger)
	app.router = NewRouter(h, limiter, logger)
	return app
}

func (a *testApp) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	for _, path := range []string{"/", "/health"} {
		rec := app.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
}

func TestChatMessageEnvelope(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodPost, "/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"text":"hello there","response":"hello there","answer":"hello there","audio":null}`, rec.Body.String())

	require.Len(t, app.completion.calls, 1)
	assert.Equal(t, "sk-chat", app.completion.calls[0].APIKey)
	assert.Equal(t, []domain.Turn{{Role: domain.RoleUser, Content: "hi"}}, app.completion.calls[0].Messages)
}

func TestChatRejectsEmptyConversation(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	for _, body := range []string{"", `{}`, `{"message":"  ","messages":[]}`} {
		rec := app.do(http.MethodPost, "/chat", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.False(t, resp.OK)
		assert.Equal(t, CodeValidation, resp.Code)
		assert.NotEmpty(t, resp.Error)
	}
	assert.Empty(t, app.completion.calls)
}

func TestChatRejectsMalformedJSON(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodPost, "/chat", `{"message":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decode[ErrorResponse](t, rec).Error)
}

func TestChatAcceptsEveryInputShape(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		want   []domain.Turn
	}{
		{"prompt alias", "/school", `{"prompt":"p"}`, []domain.Turn{{Role: "user", Content: "p"}}},
		{"query alias", "/school", `{"query":"q"}`, []domain.Turn{{Role: "user", Content: "q"}}},
		{"text alias", "/school", `{"text":"t"}`, []domain.Turn{{Role: "user", Content: "t"}}},
		{"query string", "/school?message=from+url", "", []domain.Turn{{Role: "user", Content: "from url"}}},
		{
			"messages with parts",
			"/school",
			`{"messages":[{"role":"system","content":"s"},{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"b"}]}]}`,
			[]domain.Turn{{Role: "system", Content: "s"}, {Role: "user", Content: "a\nb"}},
		},
		{
			"history plus message",
			"/school",
			`{"history":[{"role":"user","content":"one"},{"role":"assistant","content":"two"}],"message":"three"}`,
			[]domain.Turn{{Role: "user", Content: "one"}, {Role: "assistant", Content: "two"}, {Role: "user", Content: "three"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, testConfig(), nil)
			rec := app.do(http.MethodPost, tc.target, tc.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, app.completion.calls, 1)
			assert.Equal(t, tc.want, app.completion.calls[0].Messages)
			assert.Equal(t, "sk-school", app.completion.calls[0].APIKey)
		})
	}
}

func TestChatPassesModelAndSamplingParams(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodPost, "/chat", `{"message":"hi","model":"gpt-4.1","temperature":0.3,"max_tokens":"256"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	call := app.completion.calls[0]
	assert.Equal(t, "gpt-4.1", call.Model)
	require.NotNil(t, call.Temperature)
	assert.InDelta(t, 0.3, *call.Temperature, 0.0001)
	assert.Equal(t, 256, call.MaxTokens)
}

func TestChatWithVoice(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodPost, "/avatar", `{"message":"hi","voice":true,"tts_voice":"nova"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ChatResponse](t, rec)
	require.NotNil(t, resp.Audio)
	assert.Equal(t, "YXVkaW8=", *resp.Audio)
	require.Len(t, app.speech.got, 1)
	assert.Equal(t, "nova", app.speech.got[0].Voice)
	assert.Equal(t, "sk-avatar", app.speech.got[0].APIKey)
	assert.Equal(t, "hello there", app.speech.got[0].Text)
}

func TestChatSpeechFailureKeepsText(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.speech.err = errors.New("tts unavailable")

	rec := app.do(http.MethodPost, "/avatar", `{"message":"hi","voice":"true"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"text":"hello there","response":"hello there","answer":"hello there","audio":null}`, rec.Body.String())
}

func TestChatMissingCredential(t *testing.T) {
	cfg := testConfig()
	p := cfg.Profiles[config.RouteChat]
	p.APIKey = ""
	cfg.Profiles[config.RouteChat] = p
	app := newTestApp(t, cfg, nil)

	rec := app.do(http.MethodPost, "/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeConfig, resp.Code)
	assert.Empty(t, app.completion.calls)
}

func TestChatUpstreamError(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.completion.err = &domain.UpstreamError{StatusCode: 503, Body: "overloaded"}

	rec := app.do(http.MethodPost, "/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeUpstream, resp.Code)
	assert.Contains(t, resp.Error, "503")
	assert.Contains(t, resp.Error, "overloaded")
}

func TestChatIsIdempotent(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	first := app.do(http.MethodPost, "/chat", `{"message":"hi"}`)
	second := app.do(http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestBlogUnwrapsJSON(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.completion.reply = "```json\n{\"title\":\"Caching 101\",\"content\":\"Hello\"}\n```"

	rec := app.do(http.MethodPost, "/blog", `{"topic":"caching","tone":"casual","min_words":"500"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"title":"Caching 101","content":"Hello"}`, rec.Body.String())

	msgs := app.completion.calls[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "500 words")
}

func TestBlogPlainText(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.completion.reply = "Hello"

	rec := app.do(http.MethodPost, "/blog", `{"prompt":"write something","topic":"misc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"title":"misc","content":"Hello"}`, rec.Body.String())
}

func TestBlogRejectsEmpty(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodPost, "/blog", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, app.completion.calls)
}

func TestForwardPassesBodyThrough(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.forwarder.status = http.StatusCreated
	app.forwarder.body = `{"id":"resp_1","output":[]}`

	rec := app.do(http.MethodPost, "/v1/responses", `{"model":"gpt-4o","input":"hi"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"resp_1","output":[]}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "responses", app.forwarder.gotPath)
	assert.JSONEq(t, `{"model":"gpt-4o","input":"hi"}`, app.forwarder.gotBody)

	rec = app.do(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "chat/completions", app.forwarder.gotPath)
}

func TestForwardUpstreamFailure(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.forwarder.err = &domain.UpstreamError{Err: errors.New("connection refused")}

	rec := app.do(http.MethodPost, "/v1/chat/completions", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeUpstream, decode[ErrorResponse](t, rec).Code)
}

func TestForwardFailureLogsPath(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)
	app.forwarder.err = &domain.UpstreamError{Err: errors.New("connection refused")}

	app.do(http.MethodPost, "/v1/chat/completions", `{}`)

	var failure map[string]any
	for _, line := range strings.Split(strings.TrimSpace(app.logs.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "relay request failed" {
			failure = rec
		}
	}
	require.NotNil(t, failure)
	assert.Equal(t, "chat/completions", failure["path"])
	assert.NotContains(t, failure, "route")
}

func TestForwardWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIKey = ""
	app := newTestApp(t, cfg, nil)

	rec := app.do(http.MethodPost, "/v1/responses", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeConfig, decode[ErrorResponse](t, rec).Code)
	assert.Empty(t, app.forwarder.gotPath)
}

func TestChatRejectsOversizedBody(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	body := `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := app.do(http.MethodPost, "/chat", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodeTooLarge, decode[ErrorResponse](t, rec).Code)
	assert.Empty(t, app.completion.calls)

	rec = app.do(http.MethodPost, "/chat", `{"message":"`+strings.Repeat("a", 1000)+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodOptions, "/chat", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestIDHeader(t *testing.T) {
	app := newTestApp(t, testConfig(), nil)

	rec := app.do(http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestRateLimit(t *testing.T) {
	app := newTestApp(t, testConfig(), NewRateLimiter(2))

	assert.Equal(t, http.StatusOK, app.do(http.MethodPost, "/chat", `{"message":"hi"}`).Code)
	assert.Equal(t, http.StatusOK, app.do(http.MethodPost, "/chat", `{"message":"hi"}`).Code)

	rec := app.do(http.MethodPost, "/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, rec).Code)

	assert.Equal(t, http.StatusOK, app.do(http.MethodGet, "/health", "").Code)
}

func postFrom(router http.Handler, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	app := newTestApp(t, testConfig(), NewRateLimiter(1))

	assert.Equal(t, http.StatusOK, postFrom(app.router, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, postFrom(app.router, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, postFrom(app.router, "203.0.113.3"))
}

func TestRateLimitHonoursTrustedProxy(t *testing.T) {
	cfg := testConfig()
	// httptest requests arrive from 192.0.2.1.
	cfg.TrustedProxies = []string{"192.0.2.1"}
	app := newTestApp(t, cfg, NewRateLimiter(1))

	assert.Equal(t, http.StatusOK, postFrom(app.router, "203.0.113.1"))
	assert.Equal(t, http.StatusOK, postFrom(app.router, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, postFrom(app.router, "203.0.113.1"))
}
