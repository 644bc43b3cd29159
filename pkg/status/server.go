package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
)

var API_ROOT = "/api"

func api(subpath string) string {
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", API_ROOT, subpath)
}

func BuildServer(board *Board, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}

	e.Pre(middleware.AddTrailingSlash())

	// logging for server-side latency.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			meth := c.Request().Method
			path := c.Request().URL
			begin := time.Now()
			err := next(c)
			c.Logger().Infof(
				"%s %s: status = %d in %v / error = %v",
				meth, path, c.Response().Status, time.Since(begin), err,
			)
			return err
		}
	})

	e.GET(api("state"), GetStateHandler(board))
	e.GET(api("ledger"), GetLedgerHandler(board))
	e.GET(api("topology"), GetTopologyHandler(board))

	return e
}

func notYet(what string) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusServiceUnavailable,
		what+" is not available yet",
		WithAdvice("retry after the controller has started."),
	)
}

func GetStateHandler(board *Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, ok := board.state()
		if !ok {
			return notYet("state")
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func GetLedgerHandler(board *Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, ok := board.ledger()
		if !ok {
			return notYet("ledger")
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func GetTopologyHandler(board *Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, ok := board.topologyOf()
		if !ok {
			return notYet("topology")
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// Serve runs e on addr until ctx is done.
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errs := make(chan error, 1)
	go func() {
		errs <- e.Start(addr)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
