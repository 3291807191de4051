// Package ingest turns upload and shorten requests into stored objects. Uploads
// are validated entirely in memory before anything touches the disk: declared
// type and extension first, then the sniffed type of the leading bytes, then the
// running size against the audience limit.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/ident"
	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

const (
	chunkSize = 32 * 1024
	// sniffLen is how much of the body is buffered before type detection.
	sniffLen = 3072

	fallbackExt = "bin"
)

// UploadRequest describes one file field of a multipart upload.
type UploadRequest struct {
	Filename    string
	ContentType string
	Body        io.Reader
	IsAdmin     bool
}

// Result is returned for every stored object.
type Result struct {
	ID       string
	FileName string
	URL      string
	Record   model.Record
	Size     int64
}

// Pipeline stores uploads and short links.
type Pipeline struct {
	cfg   *config.Config
	store storage.Store
	alloc *ident.Allocator
	log   zerolog.Logger
	now   func() time.Time
}

// New constructs a Pipeline.
func New(cfg *config.Config, store storage.Store, alloc *ident.Allocator, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		store: store,
		alloc: alloc,
		log:   logger.With().Str("component", "ingest").Logger(),
		now:   time.Now,
	}
}

// Upload validates and stores one file.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (res *Result, err error) {
	id, err := p.alloc.Allocate(ctx, p.cfg.FilenameLength)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			p.release(id)
		}
	}()

	declaredExt := DeclaredExtension(req.Filename)
	ext := declaredExt
	defer func() {
		if err != nil {
			err = &cdnerr.NamedError{Name: id + "." + ext, Err: err}
		}
	}()
	if ct := essence(req.ContentType); ct != "" && p.cfg.ContentTypeBlocked(ct) {
		return nil, &cdnerr.BlockedError{Value: ct}
	}
	if p.cfg.ExtensionBlocked(declaredExt) {
		return nil, &cdnerr.BlockedError{Value: declaredExt}
	}

	body, sniffed, sniffedExt, err := p.consume(req.Body, p.cfg.Limit(req.IsAdmin))
	if err != nil {
		return nil, err
	}

	ext = CanonicalExtension(sniffedExt, declaredExt)
	if p.cfg.ExtensionBlocked(ext) {
		return nil, &cdnerr.BlockedError{Value: ext}
	}
	name := id + "." + ext
	path := filepath.Join(p.cfg.UploadDir(req.IsAdmin), name)
	blob := model.Blob{
		Admin:     req.IsAdmin,
		Path:      path,
		TimeAdded: p.now().Unix(),
	}
	var rec model.Record
	if strings.HasPrefix(sniffed, "text/") {
		blob.MimeType = ext
		rec = model.Code{Blob: blob}
	} else {
		blob.MimeType = sniffed
		rec = model.File{Blob: blob}
	}

	if err := writeFile(path, body); err != nil {
		return nil, err
	}
	if err := p.commit(ctx, id, rec); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	p.log.Info().
		Str("id", id).
		Str("kind", string(rec.Kind())).
		Str("type", sniffed).
		Int("size", len(body)).
		Bool("admin", req.IsAdmin).
		Msg("upload stored")
	return &Result{
		ID:       id,
		FileName: name,
		URL:      p.cfg.MakeURL(name),
		Record:   rec,
		Size:     int64(len(body)),
	}, nil
}

// Shorten stores a redirect to raw.
func (p *Pipeline) Shorten(ctx context.Context, raw string, isAdmin bool) (*Result, error) {
	target, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}
	id, err := p.alloc.Allocate(ctx, p.cfg.FilenameLength)
	if err != nil {
		return nil, err
	}
	rec := model.Short{Target: target}
	if err := p.commit(ctx, id, rec); err != nil {
		p.release(id)
		return nil, err
	}
	p.log.Info().Str("id", id).Bool("admin", isAdmin).Msg("short link stored")
	return &Result{ID: id, FileName: id, URL: p.cfg.MakeURL(id), Record: rec}, nil
}

// consume reads the body into memory, sniffing the leading bytes and enforcing
// limit. A nil limit is unlimited.
func (p *Pipeline) consume(r io.Reader, limit *int64) ([]byte, string, string, error) {
	if r == nil {
		r = bytes.NewReader(nil)
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	head = head[:n]
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", "", fmt.Errorf("%w: read upload: %v", cdnerr.ErrIO, err)
	}
	sniffed, sniffedExt, node := detect(head)
	if p.sniffBlocked(sniffed, node) {
		return nil, "", "", &cdnerr.BlockedError{Value: sniffed}
	}
	if limit != nil && int64(len(head)) > *limit {
		return nil, "", "", &cdnerr.TooLargeError{Limit: *limit, Size: int64(len(head))}
	}

	var buf bytes.Buffer
	buf.Write(head)
	if n == sniffLen {
		chunk := make([]byte, chunkSize)
		for {
			n, readErr := r.Read(chunk)
			if n > 0 {
				if limit != nil && int64(buf.Len()+n) > *limit {
					return nil, "", "", &cdnerr.TooLargeError{Limit: *limit, Size: int64(buf.Len() + n)}
				}
				buf.Write(chunk[:n])
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					break
				}
				return nil, "", "", fmt.Errorf("%w: read upload: %v", cdnerr.ErrIO, readErr)
			}
		}
	}
	return buf.Bytes(), sniffed, sniffedExt, nil
}

func (p *Pipeline) commit(ctx context.Context, id string, rec model.Record) error {
	data, err := model.Encode(rec)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, storage.Key(p.cfg.Prefix(), id), data); err != nil {
		return fmt.Errorf("save record %s: %w", id, err)
	}
	return nil
}

// release runs detached from the request so a cancelled client still frees the
// reservation.
func (p *Pipeline) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.alloc.Release(ctx, id); err != nil {
		p.log.Warn().Err(err).Str("id", id).Msg("release reservation failed")
	}
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", cdnerr.ErrIO, filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: write %d bytes to %s: %v", cdnerr.ErrIO, len(data), filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: flush %s: %v", cdnerr.ErrIO, filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("%w: close %s: %v", cdnerr.ErrIO, filepath.Base(path), err)
	}
	return nil
}

// Sniff detects the type of the leading bytes of a body and returns its MIME
// essence and preferred extension without the dot. An empty body is treated as
// an empty paste.
func Sniff(head []byte) (string, string) {
	mt, ext, _ := detect(head)
	return mt, ext
}

// detect is Sniff plus the mimetype node that matched. The node is nil when the
// type was decided before consulting mimetype.
func detect(head []byte) (string, string, *mimetype.MIME) {
	if len(head) == 0 {
		return "text/plain", "txt", nil
	}
	if mt, ext, ok := script(head); ok {
		return mt, ext, nil
	}
	m := mimetype.Detect(head)
	return essence(m.String()), strings.TrimPrefix(m.Extension(), "."), m
}

var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "ash": true,
}

// script recognizes shell and batch scripts, which mimetype reports as plain
// text.
func script(head []byte) (string, string, bool) {
	line, _, _ := bytes.Cut(head, []byte("\n"))
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("\xef\xbb\xbf")))
	if rest, ok := bytes.CutPrefix(line, []byte("#!")); ok {
		fields := strings.Fields(string(rest))
		if len(fields) > 0 && filepath.Base(fields[0]) == "env" {
			fields = fields[1:]
			for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
				fields = fields[1:]
			}
		}
		if len(fields) > 0 && shells[filepath.Base(fields[0])] {
			return "text/x-shellscript", "sh", true
		}
		return "", "", false
	}
	if strings.HasPrefix(strings.ToLower(string(line)), "@echo off") {
		return "text/x-msdos-batch", "bat", true
	}
	return "", "", false
}

// sniffBlocked matches the blocklist against the sniffed type, its aliases and
// its ancestors. The octet-stream root only matches when it was the detection
// itself.
func (p *Pipeline) sniffBlocked(sniffed string, node *mimetype.MIME) bool {
	if p.cfg.ContentTypeBlocked(sniffed) {
		return true
	}
	for n := node; n != nil; n = n.Parent() {
		if n != node && n.Parent() == nil {
			break
		}
		for _, entry := range p.cfg.Blocklist.ContentTypes {
			if n.Is(strings.ToLower(strings.TrimSpace(entry))) {
				return true
			}
		}
	}
	return false
}

// DeclaredExtension extracts the lower-cased suffix after the last dot of a
// client filename. Missing or non-alphanumeric suffixes become "bin".
func DeclaredExtension(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return fallbackExt
	}
	ext := strings.ToLower(filename[i+1:])
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return fallbackExt
		}
	}
	return ext
}

// CanonicalExtension prefers the sniffed extension unless it is one of the
// generic fallbacks, in which case the declared one is kept.
func CanonicalExtension(sniffedExt, declared string) string {
	switch sniffedExt {
	case "", "bin", "txt":
		return declared
	default:
		return sniffedExt
	}
}

// ParseTarget validates a shorten request. Only absolute URLs are accepted.
func ParseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &cdnerr.InvalidURLError{Input: raw}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &cdnerr.InvalidURLError{Input: raw, Err: err}
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return "", &cdnerr.InvalidURLError{Input: raw}
	}
	return u.String(), nil
}

func essence(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
