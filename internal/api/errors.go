package api

import (
	"errors"
	"fmt"
)

var ErrInvalidRequest = errors.New("invalid_request")

// ErrModelNotFound is returned by providers when a model id cannot be
// resolved to a weights file.
var ErrModelNotFound = errors.New("model_not_found")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, format string, args ...any) error {
	return invalidRequestError{param: param, msg: fmt.Sprintf(format, args...)}
}
