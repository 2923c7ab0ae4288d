package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"dbconsole-agent/handler"
)

const maxRequestBody = 1 << 20

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Lambda API over plain HTTP for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}
			h, err := a.handler(cmd.Context())
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, newEchoServer(h), addr, a.log.Info)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from LISTEN_ADDR)")
	return cmd
}

// newEchoServer routes every request through the API Gateway handler.
func newEchoServer(h *handler.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Any("/*", lambdaProxy(h))
	return e
}

func lambdaProxy(h *handler.Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		event, err := toProxyRequest(c.Request())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		resp, err := h.Handle(c.Request().Context(), event)
		if err != nil {
			return err
		}
		for k, v := range resp.Headers {
			c.Response().Header().Set(k, v)
		}
		return c.Blob(resp.StatusCode, resp.Headers["Content-Type"], []byte(resp.Body))
	}
}

func toProxyRequest(r *http.Request) (events.APIGatewayProxyRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return events.APIGatewayProxyRequest{}, fmt.Errorf("read body: %w", err)
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}
	return events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               headers,
		QueryStringParameters: query,
		Body:                  string(body),
	}, nil
}

// runServer serves until ctx is done, then drains in-flight requests.
func runServer(ctx context.Context, e *echo.Echo, addr string, logf func(string, ...any)) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logf("server starting", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return fmt.Errorf("serve: shutdown: %w", err)
		}
		logf("server stopped")
		return nil
	}
}
