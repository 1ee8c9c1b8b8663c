package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorBody is the error envelope shared with the dispense API.
type ErrorBody struct {
	Status string      `json:"status"`
	Error  ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorJSON(c echo.Context, status int, code, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, ErrorBody{Status: "error", Error: ErrorDetail{Code: code, Message: msg}})
}

// HTTPErrorHandler renders echo and unexpected errors in the error envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	status, code, msg := http.StatusInternalServerError, "INTERNAL", "internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		code = statusCode(he.Code)
		if m, ok := he.Message.(string); ok && status < http.StatusInternalServerError {
			msg = m
		} else if status < http.StatusInternalServerError {
			msg = defaultMessage(status)
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = errorJSON(c, status, code, msg)
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "ROUTE_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case http.StatusUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "REQUEST_TIMEOUT"
	}
	if status >= http.StatusInternalServerError {
		return "INTERNAL"
	}
	return "BAD_REQUEST"
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "route not found"
	case http.StatusMethodNotAllowed:
		return "method not allowed"
	}
	return "bad request"
}
