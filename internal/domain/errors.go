package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyConversation = errors.New("conversation is empty")
	ErrMissingCredential = errors.New("upstream api key is not configured")
	ErrRunTimeout        = errors.New("assistant run timed out")
	ErrRunNotCompleted   = errors.New("assistant run did not complete")
)

// UpstreamError is a non-success answer or transport failure from the upstream API.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("upstream error [%d]: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream error [%d]", e.StatusCode)
	case e.Err != nil:
		return "upstream error: " + e.Err.Error()
	}
	return "upstream error"
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RunError reports a run that reached a terminal state other than completed.
type RunError struct {
	RunID  string
	Status RunStatus
}

func (e *RunError) Error() string {
	return fmt.Sprintf("assistant run %s ended with status %s", e.RunID, e.Status)
}

func (e *RunError) Is(target error) bool {
	return target == ErrRunNotCompleted
}
