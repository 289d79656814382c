package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
	"github.com/samcharles93/mhattn/internal/workspace"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// ResponseError is the body of every failed request.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// classify maps configuration and shape errors to 400 and everything else
// to 500.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, attention.ErrConfig),
		errors.Is(err, attention.ErrShapeMismatch),
		errors.Is(err, quant.ErrMissingScale),
		errors.Is(err, workspace.ErrTooSmall),
		errors.Is(err, numeric.ErrUnsupportedDType):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeError(c *echo.Context, err error) error {
	status, typ := classify(err)
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: err.Error(), Type: typ},
	})
}
