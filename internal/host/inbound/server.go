// Package inbound is the host's network surface: the push provider delivers
// messages here and the desktop shell reports notification clicks. Handlers
// only validate and publish onto the event bus; the background context does
// the work. The shell may also evict the background registration.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"habitping/internal/eventbus"
	logx "habitping/pkg/logx"
)

const (
	bodyLimit       = "64K"
	shutdownTimeout = 5 * time.Second
)

// HealthFunc reports extra fields for GET /healthz.
type HealthFunc func() map[string]any

// EvictFunc retires the active background registration and returns its ID.
type EvictFunc func() (id string, ok bool)

type Server struct {
	e      *echo.Echo
	addr   string
	bus    eventbus.Bus
	log    logx.Logger
	health HealthFunc
	evict  EvictFunc

	mu sync.Mutex
	ln net.Listener
}

type Option func(*Server)

func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithEvict enables POST /registration/evict.
func WithEvict(fn EvictFunc) Option {
	return func(s *Server) { s.evict = fn }
}

func New(addr string, bus eventbus.Bus, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		e:    echo.New(),
		addr: addr,
		bus:  bus,
		log:  log.With(logx.String("comp", "inbound")),
	}
	for _, o := range opts {
		o(s)
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.BodyLimit(bodyLimit))
	s.e.Use(s.requestLogger())

	s.e.POST("/push", s.handlePush)
	s.e.POST("/notifications/:id/click", s.handleClick)
	s.e.GET("/healthz", s.handleHealth)
	if s.evict != nil {
		s.e.POST("/registration/evict", s.handleEvict)
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Listen binds the configured address. Run calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.e.Listener = s.ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.e.Start("") }()
	s.log.Info("inbound listening", logx.String("addr", addr.String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.e.Shutdown(sctx); err != nil {
		s.log.Warn("inbound shutdown incomplete", logx.Err(err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handlePush accepts the provider's FCM-like body
// {notification:{title,body},data:{...}}. An empty body is a push without
// payload and still renders the fallback.
func (s *Server) handlePush(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}
	if len(strings.TrimSpace(string(raw))) > 0 && !json.Valid(raw) {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
	}
	s.publish(eventbus.TypePush, raw)
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

type clickRequest struct {
	Data map[string]string `json:"data,omitempty"`
}

type clickEvent struct {
	NotificationID string            `json:"notification_id"`
	Data           map[string]string `json:"data,omitempty"`
}

func (s *Server) handleClick(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "notification id required")
	}
	var req clickRequest
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
		}
	}
	b, err := json.Marshal(clickEvent{NotificationID: id, Data: req.Data})
	if err != nil {
		return err
	}
	s.publish(eventbus.TypeNotificationClick, b)
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleHealth(c echo.Context) error {
	out := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			out[k] = v
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleEvict(c echo.Context) error {
	id, ok := s.evict()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no active registration")
	}
	s.log.Info("background registration evicted", logx.String("registration", id))
	return c.JSON(http.StatusAccepted, map[string]string{"evicted": id})
}

func (s *Server) publish(typ string, raw []byte) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: raw})
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.String("ip", v.RemoteIP),
				logx.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logx.Err(v.Error))
			}
			switch {
			case v.Status >= 500:
				s.log.Error("request", fields...)
			case v.Status >= 400:
				s.log.Warn("request", fields...)
			default:
				s.log.Debug("request", fields...)
			}
			return nil
		},
	})
}
