// Package server wires the HTTP routes to the ingestion pipeline and the
// retrieval engine.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/auth"
	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/ingest"
	"github.com/dharsanguruparan/ihacdn/internal/metrics"
	"github.com/dharsanguruparan/ihacdn/internal/notify"
	"github.com/dharsanguruparan/ihacdn/internal/reader"
	"github.com/dharsanguruparan/ihacdn/internal/render"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the HTTP handlers.
type Server struct {
	cfg        *config.Config
	pipeline   *ingest.Pipeline
	reader     *reader.Engine
	renderer   *render.Renderer
	verifier   *auth.Verifier
	dispatcher notify.Dispatcher
	log        zerolog.Logger
	once       sync.Once
}

// New creates a configured server. dispatcher may be nil when notifications
// are off.
func New(
	cfg *config.Config,
	pipeline *ingest.Pipeline,
	engine *reader.Engine,
	renderer *render.Renderer,
	verifier *auth.Verifier,
	dispatcher notify.Dispatcher,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		pipeline:   pipeline,
		reader:     engine,
		renderer:   renderer,
		verifier:   verifier,
		dispatcher: dispatcher,
		log:        logger.With().Str("component", "server").Logger(),
	}
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.once.Do(func() {
		// The in-process pool is started with the server; the asynq
		// dispatcher has nothing to start.
		if starter, ok := s.dispatcher.(interface{ Start(context.Context) }); ok {
			starter.Start(ctx)
		}
	})
	httpServer := &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
	}()
	s.log.Info().Str("addr", httpServer.Addr).Str("hostname", s.cfg.Hostname).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/", s.handleIndex)
	r.Get("/_/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/upload", s.handleUpload)
	r.Post("/short", s.handleShort)

	r.Get("/{id}", s.handleRendered)
	r.Head("/{id}", s.handleRendered)
	r.Get("/{id}/raw", s.handleRaw)
	r.Head("/{id}/raw", s.handleRaw)
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.renderer.Index(&buf, render.IndexFromConfig(s.cfg)); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("render index failed")
		writeText(w, http.StatusInternalServerError, "InternalError: failed to render index\n")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleRendered(w http.ResponseWriter, r *http.Request) {
	s.reader.Rendered(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	s.reader.Raw(w, r, chi.URLParam(r, "id"))
}

// handleUpload streams the first "file" part of a multipart body into the
// pipeline. Other parts are skipped.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	isAdmin := s.verifier.IsAdmin(r)
	mr, err := r.MultipartReader()
	if err != nil {
		s.reject(w, r, "upload", "", cdnerr.ErrMissingField)
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.reject(w, r, "upload", "", cdnerr.ErrMissingField)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		name := part.FileName()
		res, err := s.pipeline.Upload(r.Context(), ingest.UploadRequest{
			Filename:    name,
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
			IsAdmin:     isAdmin,
		})
		part.Close()
		if err != nil {
			s.reject(w, r, "upload", name, err)
			return
		}
		metrics.UploadBytes.Add(float64(res.Size))
		s.accept(w, r, res)
		return
	}
	s.reject(w, r, "upload", "", cdnerr.ErrMissingField)
}

func (s *Server) handleShort(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Shorten(r.Context(), r.PostFormValue("url"), s.verifier.IsAdmin(r))
	if err != nil {
		s.reject(w, r, "short", "", err)
		return
	}
	s.accept(w, r, res)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, res *ingest.Result) {
	metrics.UploadsTotal.WithLabelValues(string(res.Record.Kind()), "ok").Inc()
	writeText(w, http.StatusOK, res.URL)
	if s.dispatcher == nil {
		return
	}
	_ = http.NewResponseController(w).Flush()
	s.dispatcher.Dispatch(r.Context(), notify.NewEvent(r, res.URL, res.Record))
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, kind, name string, err error) {
	status := cdnerr.Status(err)
	metrics.UploadsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	ev := zerolog.Ctx(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		ev = zerolog.Ctx(r.Context()).Error()
	}
	ev.Err(err).Str("kind", kind).Int("status", status).Msg("upload rejected")
	writeText(w, status, cdnerr.Message(err, cdnerr.NameOf(err, name)))
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
