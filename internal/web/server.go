// Package web serves crop sessions over HTTP for a browser front end.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/menta2k/photo-cropper/pkg/extraction"
	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/selection"
	"github.com/menta2k/photo-cropper/pkg/session"
	"github.com/menta2k/photo-cropper/pkg/sink"
	"github.com/menta2k/photo-cropper/pkg/source"
	"github.com/menta2k/photo-cropper/pkg/types"
)

// Config configures the web layer
type Config struct {
	Session  session.Config
	Uploader sink.Uploader
	// BodyLimit caps request bodies in bytes
	BodyLimit   int
	MaxSessions int
	// SessionTTL expires sessions left untouched this long; zero disables expiry
	SessionTTL    time.Duration
	StaticDir     string
	UploadTimeout time.Duration
	OnReady       func(addr string)
}

// DefaultConfig returns a 20 MB body limit, 256 sessions and a 30 minute TTL
func DefaultConfig() Config {
	return Config{
		Session:       session.DefaultConfig(),
		Uploader:      sink.Discard{},
		BodyLimit:     20 * 1024 * 1024,
		MaxSessions:   256,
		SessionTTL:    30 * time.Minute,
		UploadTimeout: time.Minute,
	}
}

// Server exposes crop sessions as a JSON API
type Server struct {
	config   Config
	sessions *registry
	app      *fiber.App
	baseCtx  context.Context
}

// New creates a Server and registers its routes
func New(config Config) *Server {
	if config.Uploader == nil {
		config.Uploader = sink.Discard{}
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = time.Minute
	}
	if config.Session.Pipeline == nil {
		config.Session.Pipeline = extraction.New()
	}

	s := &Server{
		config:   config,
		sessions: newRegistry(config.MaxSessions),
		baseCtx:  context.Background(),
	}
	s.app = s.newApp()
	return s
}

// App returns the underlying fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		BodyLimit:             s.config.BodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := statusOf(err)
			event := log.Ctx(c.UserContext()).Warn()
			if code >= http.StatusInternalServerError {
				event = log.Ctx(c.UserContext()).Error()
			}
			event.Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("status", code).
				Msg("Request failed")

			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
			}
			if code == http.StatusInternalServerError {
				return c.Status(code).JSON(fiber.Map{"error": "Internal Server Error"})
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(log.Ctx(s.baseCtx).WithContext(c.UserContext()))
		return c.Next()
	})

	app.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := s.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	api := app.Group("/api")
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": s.sessions.len()})
	})
	api.Post("/sessions", s.createSession)
	api.Get("/sessions/:id", s.getSession)
	api.Get("/sessions/:id/preview", s.getPreview)
	api.Put("/sessions/:id/selection", s.updateSelection)
	api.Put("/sessions/:id/display", s.resizeDisplay)
	api.Post("/sessions/:id/commit", s.commitSelection)
	api.Post("/sessions/:id/confirm", s.confirmSession)
	api.Delete("/sessions/:id", s.cancelSession)

	if s.config.StaticDir != "" {
		app.Static("/", s.config.StaticDir)
	}

	return app
}

// Run serves on addr until ctx is done, then cancels every open session.
// Request handlers log through the logger carried by ctx.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.baseCtx = ctx

	go func() {
		<-ctx.Done()
		log.Ctx(ctx).Info().Msg("Shutting down web application...")
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	if ttl := s.config.SessionTTL; ttl > 0 {
		go s.expireLoop(ctx, ttl)
	}

	defer s.sessions.closeAll()
	if err := s.app.Listen(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) expireLoop(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(min(ttl, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := s.sessions.expire(ttl); len(ids) > 0 {
				log.Ctx(ctx).Info().Strs("sessions", ids).Msg("expired idle sessions")
			}
		}
	}
}

// statusResponse is a session snapshot plus the outcome of its upload
type statusResponse struct {
	session.Snapshot
	URL         string `json:"url,omitempty"`
	UploadError string `json:"upload_error,omitempty"`
}

func (s *Server) status(e *entry) statusResponse {
	url, uploadErr := e.upload()
	return statusResponse{Snapshot: e.session.Snapshot(), URL: url, UploadError: uploadErr}
}

func (s *Server) lookup(c *fiber.Ctx) (*entry, error) {
	e, ok := s.sessions.get(c.Params("id"))
	if !ok {
		return nil, fiber.NewError(http.StatusNotFound, "session not found")
	}
	return e, nil
}

func (s *Server) createSession(c *fiber.Ctx) error {
	if s.sessions.full() {
		return fiber.NewError(http.StatusServiceUnavailable, "too many open sessions")
	}

	fh, err := c.FormFile("photo")
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "No file uploaded")
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	mimeType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = ""
	}
	file := &types.File{Name: fh.Filename, MimeType: mimeType, Data: data, LastModified: time.Now()}

	ctx := c.UserContext()
	e := &entry{}
	sess, err := session.New(ctx, file, s.callbacks(context.WithoutCancel(ctx), e), s.config.Session)
	if err != nil {
		return err
	}
	e.session = sess

	if mimeType := sess.Snapshot().Source.MimeType; !s.config.Session.Pipeline.Supports(mimeType) {
		sess.Cancel()
		return fiber.NewError(http.StatusUnsupportedMediaType, fmt.Sprintf("cannot encode crops as %s", mimeType))
	}
	if !s.sessions.add(e) {
		sess.Cancel()
		return fiber.NewError(http.StatusServiceUnavailable, "too many open sessions")
	}

	return c.Status(http.StatusCreated).JSON(s.status(e))
}

// callbacks hands a completed crop to the uploader and records the URL
func (s *Server) callbacks(ctx context.Context, e *entry) session.Callbacks {
	return session.Callbacks{
		OnComplete: func(f *types.File) {
			ctx, cancel := context.WithTimeout(ctx, s.config.UploadTimeout)
			defer cancel()
			url, err := s.config.Uploader.Upload(ctx, f)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("name", f.Name).Msg("failed to upload crop")
			}
			e.setUpload(url, err)
		},
	}
}

func (s *Server) getSession(c *fiber.Ctx) error {
	e, err := s.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(s.status(e))
}

func (s *Server) getPreview(c *fiber.Ctx) error {
	e, err := s.lookup(c)
	if err != nil {
		return err
	}
	img, err := e.session.Preview()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(buf.Bytes())
}

type selectionRequest struct {
	region.Region
	Anchor string `json:"anchor"`
}

func (s *Server) updateSelection(c *fiber.Ctx) error {
	e, err := s.lookup(c)
	if err != nil {
		return err
	}

	var req selectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	anchor, err := selection.ParseAnchor(req.Anchor)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	accepted := e.session.Update(req.Region, anchor)
	return c.JSON(fiber.Map{
		"accepted": accepted,
		"current":  e.session.Selection(),
	})
}

func (s *Server) resizeDisplay(c *fiber.Ctx) error {
	e, err := s.lookup(c)
	if err != nil {
		return err
	}

	var display region.Dimensions
	if err := c.BodyParser(&display); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := e.session.Resize(display); err != nil {
		return err
	}
	return c.JSON(s.status(e))
}

func (s *Server) commitSelection(c *fiber.Ctx) error {
	e, err := s.lookup(c)
	if err != nil {
		return err
	}
	if _, err := e.session.Commit(); err != nil {
		return err
	}
	return c.JSON(s.status(e))
}

func (s *Server) confirmSession(c *fiber.Ctx) error {
	e, err := s.lookup(c)
	if err != nil {
		return err
	}

	started, err := e.session.Confirm(c.UserContext())
	if err != nil {
		return err
	}
	if !started {
		return fiber.NewError(http.StatusConflict, "extraction already in progress")
	}
	return c.Status(http.StatusAccepted).JSON(s.status(e))
}

func (s *Server) cancelSession(c *fiber.Ctx) error {
	if e, ok := s.sessions.remove(c.Params("id")); ok {
		e.session.Cancel()
	}
	return c.SendStatus(http.StatusNoContent)
}

// statusOf maps domain errors to HTTP status codes
func statusOf(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, session.ErrMissingCropData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, source.ErrReleased):
		return http.StatusGone
	case errors.Is(err, source.ErrEmptyImage), errors.Is(err, source.ErrUnknownImage),
		errors.Is(err, selection.ErrEmptyDisplay), errors.Is(err, source.ErrInvalidDisplay):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
