// Package reader resolves identifiers to HTTP responses. The rendered route
// redirects short links, renders pastes and streams files; the raw route serves
// paste bytes only.
package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
	"github.com/dharsanguruparan/ihacdn/internal/metrics"
	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/render"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

// relayBuffer is the capacity of the single buffer between disk and socket.
const relayBuffer = 64 * 1024

// PasteRenderer renders code records.
type PasteRenderer interface {
	Paste(w io.Writer, data render.PasteData) error
}

// Engine serves stored objects.
type Engine struct {
	store    storage.Store
	prefix   string
	renderer PasteRenderer
	log      zerolog.Logger
}

// New constructs an Engine.
func New(store storage.Store, prefix string, renderer PasteRenderer, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		prefix:   prefix,
		renderer: renderer,
		log:      logger.With().Str("component", "reader").Logger(),
	}
}

// SplitID separates "abcdefgh.rs" into the identifier and the extension hint.
func SplitID(idPath string) (string, string) {
	if i := strings.LastIndexByte(idPath, '.'); i >= 0 {
		return idPath[:i], idPath[i+1:]
	}
	return idPath, ""
}

// Lookup loads and decodes the record for id. Unknown and reserved identifiers
// both yield cdnerr.ErrNotFound.
func (e *Engine) Lookup(ctx context.Context, id string) (model.Record, error) {
	data, err := e.store.Get(ctx, storage.Key(e.prefix, id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, cdnerr.ErrNotFound
		}
		return nil, err
	}
	rec, err := model.Decode(data)
	if errors.Is(err, model.ErrReserved) {
		return nil, cdnerr.ErrNotFound
	}
	return rec, err
}

// Rendered handles GET and HEAD on /{id}[.ext].
func (e *Engine) Rendered(w http.ResponseWriter, r *http.Request, idPath string) {
	id, hint := SplitID(idPath)
	rec, err := e.Lookup(r.Context(), id)
	if err != nil {
		e.fail(w, r, "rendered", "", idPath, err)
		return
	}
	switch rec := rec.(type) {
	case model.Short:
		observe("rendered", rec, http.StatusTemporaryRedirect)
		w.Header().Set("Location", rec.Target)
		w.WriteHeader(http.StatusTemporaryRedirect)
	case model.Code:
		lang := hint
		if lang == "" {
			lang = rec.MimeType
		}
		e.servePaste(w, r, id, idPath, lang, rec)
	case model.File:
		e.serveFile(w, r, idPath, rec)
	default:
		e.fail(w, r, "rendered", "", idPath, fmt.Errorf("%w: unexpected record %T", cdnerr.ErrSerialization, rec))
	}
}

// Raw handles GET and HEAD on /{id}[.ext]/raw. Only code records are served.
func (e *Engine) Raw(w http.ResponseWriter, r *http.Request, idPath string) {
	id, _ := SplitID(idPath)
	rec, err := e.Lookup(r.Context(), id)
	if err != nil {
		e.fail(w, r, "raw", "", idPath, err)
		return
	}
	code, ok := rec.(model.Code)
	if !ok {
		e.fail(w, r, "raw", string(rec.Kind()), idPath, cdnerr.ErrNotFound)
		return
	}
	ctype := RawContentType(code.MimeType)
	if r.Method == http.MethodHead {
		e.headCode(w, r, "raw", code, ctype)
		return
	}
	data, err := os.ReadFile(code.Path)
	if err != nil {
		e.fail(w, r, "raw", string(code.Kind()), idPath, diskError(err))
		return
	}
	h := w.Header()
	h.Set("Content-Type", ctype)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Content-Disposition", disposition("attachment", code.Path))
	observe("raw", code, http.StatusOK)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		e.log.Debug().Err(err).Str("id", id).Msg("raw write aborted")
	}
}

func (e *Engine) servePaste(w http.ResponseWriter, r *http.Request, id, idPath, lang string, rec model.Code) {
	if r.Method == http.MethodHead {
		e.headCode(w, r, "rendered", rec, "text/html; charset=utf-8")
		return
	}
	content, err := os.ReadFile(rec.Path)
	if err != nil {
		e.fail(w, r, "rendered", string(rec.Kind()), idPath, diskError(err))
		return
	}
	var buf bytes.Buffer
	if err := e.renderer.Paste(&buf, render.PasteData{ID: id, Lang: lang, Code: string(content)}); err != nil {
		e.log.Error().Err(err).Str("id", id).Msg("render paste failed")
		observe("rendered", rec, http.StatusInternalServerError)
		writeText(w, http.StatusInternalServerError, fmt.Sprintf("RenderError: failed to render template: %v\n", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	observe("rendered", rec, http.StatusOK)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// serveFile streams a binary upload. The copy from disk runs in its own
// goroutine and feeds the response through a pipe.
func (e *Engine) serveFile(w http.ResponseWriter, r *http.Request, idPath string, rec model.File) {
	f, err := os.Open(rec.Path)
	if err != nil {
		e.fail(w, r, "rendered", string(rec.Kind()), idPath, diskError(err))
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		e.fail(w, r, "rendered", string(rec.Kind()), idPath, fmt.Errorf("%w: stat %s: %v", cdnerr.ErrIO, idPath, err))
		return
	}
	mode := "attachment"
	if strings.HasPrefix(rec.MimeType, "image/") || strings.HasPrefix(rec.MimeType, "video/") {
		mode = "inline"
	}
	h := w.Header()
	h.Set("Content-Type", rec.MimeType)
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	h.Set("Content-Disposition", disposition(mode, rec.Path))
	observe("rendered", rec, http.StatusOK)

	if r.Method == http.MethodHead {
		f.Close()
		w.WriteHeader(http.StatusOK)
		return
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		buf := make([]byte, relayBuffer)
		// Hide WriterTo so the copy goes through buf.
		_, err := io.CopyBuffer(pw, struct{ io.Reader }{f}, buf)
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.log.Warn().Err(err).Str("path", rec.Path).Msg("file relay failed")
		}
		pw.CloseWithError(err)
	}()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, pr); err != nil {
		e.log.Debug().Err(err).Str("path", rec.Path).Msg("client went away during file relay")
	}
	pr.Close()
}

// headCode answers HEAD for code records by checking the backing file.
func (e *Engine) headCode(w http.ResponseWriter, r *http.Request, route string, rec model.Code, ctype string) {
	w.Header().Set("Content-Type", ctype)
	status := http.StatusOK
	if _, err := os.Stat(rec.Path); err != nil {
		status = cdnerr.Status(diskError(err))
	}
	observe(route, rec, status)
	w.WriteHeader(status)
}

func (e *Engine) fail(w http.ResponseWriter, r *http.Request, route, kind, idPath string, err error) {
	status := cdnerr.Status(err)
	ev := e.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = e.log.Error()
	}
	ev.Err(err).Str("path", idPath).Int("status", status).Msg("read failed")
	metrics.ReadsTotal.WithLabelValues(kind, route, strconv.Itoa(status)).Inc()
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	writeText(w, status, cdnerr.Message(err, idPath))
}

// RawContentType maps a stored extension to a MIME essence, text/plain when
// unknown.
func RawContentType(ext string) string {
	if ext != "" {
		if t := mime.TypeByExtension("." + ext); t != "" {
			if base, _, err := mime.ParseMediaType(t); err == nil {
				return base
			}
		}
	}
	return "text/plain"
}

func diskError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return cdnerr.ErrGone
	}
	return fmt.Errorf("%w: %v", cdnerr.ErrIO, err)
}

func disposition(mode, path string) string {
	return mime.FormatMediaType(mode, map[string]string{"filename": filepath.Base(path)})
}

func observe(route string, rec model.Record, status int) {
	metrics.ReadsTotal.WithLabelValues(string(rec.Kind()), route, strconv.Itoa(status)).Inc()
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
