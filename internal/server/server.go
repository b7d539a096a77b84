package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"nightwatch/internal/domain"
)

// Controller is the session surface exposed over HTTP.
type Controller interface {
	Activate(ctx context.Context) error
	Deactivate()
	EnableMic() error
	DisableMic() error
	Status() domain.Status
}

// Server hosts the control routes and the event stream.
type Server struct {
	echo       *echo.Echo
	controller Controller
	hub        *Hub
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

func New(controller Controller, hub *Hub, logger zerolog.Logger) *Server {
	s := &Server{
		echo:       echo.New(),
		controller: controller,
		hub:        hub,
		log:        logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLog)
	e.HTTPErrorHandler = s.handleError

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"success": true, "service": "nightwatch"})
	})
	e.GET("/status", s.status)
	e.POST("/session/activate", s.activate)
	e.POST("/session/deactivate", s.deactivate)
	e.POST("/mic/enable", s.enableMic)
	e.POST("/mic/disable", s.disableMic)
	e.GET("/events", s.events)
	return s
}

// Handler exposes the router for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) respond(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"success": true, "status": s.controller.Status()})
}

func (s *Server) status(c echo.Context) error {
	return s.respond(c)
}

func (s *Server) activate(c echo.Context) error {
	// The activation outlives a client that hangs up mid-request.
	if err := s.controller.Activate(context.WithoutCancel(c.Request().Context())); err != nil {
		return err
	}
	return s.respond(c)
}

func (s *Server) deactivate(c echo.Context) error {
	s.controller.Deactivate()
	return s.respond(c)
}

func (s *Server) enableMic(c echo.Context) error {
	if err := s.controller.EnableMic(); err != nil {
		return err
	}
	return s.respond(c)
}

func (s *Server) disableMic(c echo.Context) error {
	if err := s.controller.DisableMic(); err != nil {
		return err
	}
	return s.respond(c)
}

func (s *Server) events(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	cl := newClient(s.hub, conn)
	cl.send <- Event{Type: "status", Timestamp: time.Now().UTC(), Payload: s.controller.Status()}
	if !s.hub.join(cl) {
		_ = conn.Close()
		return nil
	}

	go cl.writePump()
	go cl.readPump()
	return nil
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Dur("took", time.Since(start)).
			Err(err).
			Msg("request")
		return err
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := err.Error()
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		message = fmt.Sprintf("%v", httpErr.Message)
	case errors.Is(err, domain.ErrSessionDisposed):
		code = http.StatusGone
	case errors.Is(err, domain.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrResourceBusy):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrDeviceUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNetworkFailure):
		code = http.StatusBadGateway
	}

	response := map[string]any{"success": false, "error": message}
	if code != http.StatusNotFound && code != http.StatusMethodNotAllowed {
		response["code"] = domain.Classify(err)
	}
	if err := c.JSON(code, response); err != nil {
		s.log.Error().Err(err).Msg("write error response")
	}
}
