package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a context deadline on each request. The handler runs
// on the request goroutine: a dispense that has already written its frame
// finishes the device exchange, and the deadline only stops work that
// honours the context. If the handler returns after the deadline without
// having written a response, a 504 in the error envelope is sent.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeoutError(c)
			}
			return err
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	return errorJSON(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT",
		"request processing exceeded the allowed time limit")
}
