package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/odorie/api-gestion-poc/cmd/registry/container"
	"github.com/odorie/api-gestion-poc/cmd/registry/middleware"
	"github.com/odorie/api-gestion-poc/cmd/registry/routes"
	"github.com/odorie/api-gestion-poc/common/bootstrap"
	"github.com/odorie/api-gestion-poc/common/config"
	"github.com/odorie/api-gestion-poc/common/events"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/repository"
	"github.com/odorie/api-gestion-poc/common/server"
	"golang.org/x/sync/errgroup"
)

const serviceName = "registry"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (DB, logger, queue, cache, redis, telemetry)
	components, err := bootstrap.Setup(ctx, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap registry: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components, repository.NewStore(components.DB))
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	e := newEcho(serviceContainer)

	if err := run(ctx, serviceContainer, e); err != nil {
		components.Logger.Error("registry stopped", "error", err)
		os.Exit(1)
	}
}

// run serves HTTP and consumes diff events until ctx is cancelled
func run(ctx context.Context, c *container.Container, handler http.Handler) error {
	components := c.Components
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := server.New(serviceName, components.Config.Service.Port, handler, components.Logger)
		return srv.Run(gctx)
	})

	if components.Queue != nil && components.Config.Events.Backend == "queue" {
		g.Go(func() error {
			topic := components.Config.Events.Topic
			if err := events.Subscribe(gctx, components.Queue, topic, events.LogHandler(components.Logger)); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
			<-gctx.Done()
			return nil
		})
	}

	return g.Wait()
}

// newEcho builds the HTTP API over the service container
func newEcho(c *container.Container) *echo.Echo {
	e := setupEcho()
	setupMiddleware(e, c)
	setupHealthCheck(e, c)
	registerRoutes(e, c)
	return e
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomw.RequestID())
	e.Use(traceContext())
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: config.GetEnvSlice("CORS_ORIGINS", []string{"*"}),
	}))
	e.Use(requestLogger(c))
	e.Use(middleware.Authenticate(c.Issuer))
}

// traceContext exposes the request id to loggers further down as trace_id
func traceContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(context.WithValue(req.Context(), logger.TraceIDKey{}, id)))
			}
			return next(c)
		}
	}
}

// requestLogger logs each request through the service logger
func requestLogger(c *container.Container) echo.MiddlewareFunc {
	log := c.Components.Logger
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			)
			return nil
		},
	})
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ctx echo.Context) error {
		if err := c.Components.Health(ctx.Request().Context()); err != nil {
			return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": serviceName,
				"error":   err.Error(),
			})
		}
		body := map[string]any{
			"status":  "ok",
			"service": serviceName,
		}
		if c.Components.Cache != nil {
			body["cache"] = c.Components.Cache.Stats()
		}
		return ctx.JSON(http.StatusOK, body)
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterFeedRoutes(e, c)
	routes.RegisterEntityRoutes(e, c)
}
