package rest

import (
	"context"
	"errors"
	"net/http"

	"completion-relay/internal/domain"
)

// ChatResponse is the envelope of /chat, /school and /avatar. The three text
// fields carry the same value; clients read different ones.
type ChatResponse struct {
	OK       bool    `json:"ok"`
	Text     string  `json:"text"`
	Response string  `json:"response"`
	Answer   string  `json:"answer"`
	Audio    *string `json:"audio"`
}

// ArticleResponse is the envelope of /blog.
type ArticleResponse struct {
	OK      bool   `json:"ok"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeConfig          = "CONFIG_ERROR"
	CodeUpstream        = "UPSTREAM_ERROR"
	CodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeInternal        = "INTERNAL_ERROR"
)

func errorResp(code, message string) ErrorResponse {
	return ErrorResponse{OK: false, Error: message, Code: code}
}

// classify maps a usecase error onto the HTTP status and envelope.
func classify(err error) (int, ErrorResponse) {
	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, errorResp(CodeTooLarge, "request body too large")
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, errorResp(CodeValidation, "invalid request body")
	case errors.Is(err, domain.ErrEmptyConversation):
		return http.StatusBadRequest, errorResp(CodeValidation, "message or messages is required")
	case errors.Is(err, domain.ErrMissingCredential):
		return http.StatusInternalServerError, errorResp(CodeConfig, "OpenAI API key is not configured on the server")
	case errors.Is(err, domain.ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResp(CodeUpstreamTimeout, "upstream timed out")
	case errors.As(err, &upstream):
		return http.StatusInternalServerError, errorResp(CodeUpstream, upstream.Error())
	}
	return http.StatusInternalServerError, errorResp(CodeInternal, "failed to get a response from the model")
}
