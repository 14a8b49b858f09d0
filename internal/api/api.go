// Package api is the status and control API of a running liveflow: connection stats,
// per-subscriber status, the manual reconnect and the live-updates switch.
package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	apierrors "github.com/nkkko/liveflow/internal/api/errors"
	"github.com/nkkko/liveflow/internal/api/response"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/internal/registry"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr: ":8090",
	}
}

// Registry is the part of the connection registry the API reads and controls
type Registry interface {
	Stats() registry.Stats
	Lookup(id string) (registry.SubscriberInfo, bool)
	Reconnect(id string) error
}

// Switch is the live-updates kill switch
type Switch interface {
	Enabled() bool
	Set(enabled bool)
}

// API handles HTTP endpoints
type API struct {
	config   Config
	app      *fiber.App
	registry Registry
	gate     Switch
	logger   zerolog.Logger
}

// NewAPI creates a new API instance. gate may be nil, which hides the switch endpoints.
func NewAPI(config Config, reg Registry, gate Switch) *API {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}

	a := &API{
		config:   config,
		registry: reg,
		gate:     gate,
		logger:   logging.Component("api"),
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             64 * 1024,
		DisableStartupMessage: true,
		ErrorHandler:          a.handleError,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(a.requestLogger)
	app.Use(cors.New())

	a.registerRoutes(app)
	a.app = app
	return a
}

// App exposes the fiber app, mainly for app.Test
func (a *API) App() *fiber.App {
	return a.app
}

// Start runs the API server until ctx is done
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.app.Listen(a.config.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	return a.app.ShutdownWithContext(ctx)
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	live := app.Group("/api/v1/live")
	live.Get("/stats", a.handleStats)
	live.Get("/subscribers/:id", a.handleGetSubscriber)
	live.Post("/subscribers/:id/reconnect", a.handleReconnect)
	if a.gate != nil {
		live.Get("/switch", a.handleGetSwitch)
		live.Put("/switch", a.handleSetSwitch)
	}
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals("requestid").(string)
	return id
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(response.OK(requestID(c), data))
}

func fail(c *fiber.Ctx, err error) error {
	resp, code := response.Fail(requestID(c), err)
	return c.Status(code).JSON(resp)
}

// handleError renders errors escaping a handler, including fiber's own 404 and 405
func (a *API) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		apiErr := &apierrors.APIError{
			Type:     apierrors.ErrorTypeInternal,
			Code:     "http_error",
			Message:  fe.Message,
			HTTPCode: fe.Code,
		}
		if fe.Code == fiber.StatusNotFound {
			apiErr.Type = apierrors.ErrorTypeNotFound
			apiErr.Code = "route_not_found"
		}
		return fail(c, apiErr)
	}
	a.logger.Error().Err(err).Str("path", c.Path()).Msg("Unhandled API error")
	return fail(c, err)
}

// requestLogger logs and counts each request
func (a *API) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if err != nil {
		if herr := a.handleError(c, err); herr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}

	status := c.Response().StatusCode()
	path := c.Path()
	if route := c.Route(); route != nil && route.Path != "" {
		path = route.Path
	}

	m := metrics.GetMetrics()
	m.APIRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
	m.APIRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())

	ev := a.logger.Debug()
	if status >= 500 {
		ev = a.logger.Error()
	}
	ev.Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Str("request_id", requestID(c)).
		Dur("duration", time.Since(start)).
		Msg("Request completed")
	return nil
}

func (a *API) handleStats(c *fiber.Ctx) error {
	return ok(c, a.registry.Stats())
}

func (a *API) handleGetSubscriber(c *fiber.Ctx) error {
	id := c.Params("id")
	info, found := a.registry.Lookup(id)
	if !found {
		return fail(c, apierrors.NotFoundError("subscriber_not_found", "Subscriber not found").
			WithDetails(fiber.Map{"id": id}))
	}
	return ok(c, info)
}

func (a *API) handleReconnect(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := a.registry.Reconnect(id); err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownSubscriber):
			return fail(c, apierrors.NotFoundError("subscriber_not_found", "Subscriber not found").
				WithDetails(fiber.Map{"id": id}))
		case errors.Is(err, registry.ErrClosed):
			return fail(c, apierrors.UnavailableError("registry_closed", "Live updates are shut down"))
		default:
			a.logger.Error().Err(err).Str("subscriber_id", id).Msg("Reconnect failed")
			return fail(c, apierrors.InternalError("reconnect_failed", "Failed to reconnect"))
		}
	}

	a.logger.Info().Str("subscriber_id", id).Msg("Manual reconnect requested")
	info, found := a.registry.Lookup(id)
	if !found {
		return fail(c, apierrors.NotFoundError("subscriber_not_found", "Subscriber not found"))
	}
	return c.Status(fiber.StatusAccepted).JSON(response.OK(requestID(c), info))
}

type switchState struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleGetSwitch(c *fiber.Ctx) error {
	return ok(c, switchState{Enabled: a.gate.Enabled()})
}

func (a *API) handleSetSwitch(c *fiber.Ctx) error {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return fail(c, apierrors.ValidationError("invalid_body", "Body must be {\"enabled\": bool}"))
	}

	a.gate.Set(*req.Enabled)
	a.logger.Info().Bool("enabled", *req.Enabled).Msg("Live updates switched")
	return ok(c, switchState{Enabled: a.gate.Enabled()})
}
