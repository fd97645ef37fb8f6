package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const panicStackSize = 8 << 10

// Recovery turns a handler panic into a 500 whose body carries the request
// id, so a caller can quote it when reporting a failed charge. The panic and
// its stack are logged against the same id. http.ErrAbortHandler is re-raised
// untouched.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				err = panicError(c, logger, r)
			}()
			return next(c)
		}
	}
}

func panicError(c echo.Context, logger zerolog.Logger, r any) *echo.HTTPError {
	stack := make([]byte, panicStackSize)
	stack = stack[:runtime.Stack(stack, false)]

	rid, _ := c.Get("request_id").(string)
	req := c.Request()
	logger.Error().
		Str("request_id", rid).
		Str("method", req.Method).
		Str("route", c.Path()).
		Str("panic", fmt.Sprint(r)).
		Bytes("stack", stack).
		Msg("handler panicked")

	body := echo.Map{"message": "internal server error"}
	if rid != "" {
		body["request_id"] = rid
	}
	return echo.NewHTTPError(http.StatusInternalServerError, body).
		SetInternal(fmt.Errorf("panic: %v", r))
}
