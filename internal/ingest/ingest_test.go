package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/ident"
	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type fixture struct {
	cfg      *config.Config
	store    *storage.MemoryStore
	pipeline *Pipeline
}

func newFixture(t *testing.T, limitKiB *int64) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Hostname = "cdn.test"
	cfg.UploadPath = t.TempDir()
	cfg.Storage.FilesizeLimit = limitKiB
	require.NoError(t, cfg.EnsureDirs())
	store := storage.NewMemoryStore()
	p := New(cfg, store, ident.New(store, cfg.Prefix()), zerolog.Nop())
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return &fixture{cfg: cfg, store: store, pipeline: p}
}

func (f *fixture) diskFiles(t *testing.T, admin bool) []string {
	t.Helper()
	entries, err := os.ReadDir(f.cfg.UploadDir(admin))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *fixture) keys(t *testing.T) []string {
	t.Helper()
	keys, err := f.store.Keys(context.Background(), f.cfg.Prefix()+"*")
	require.NoError(t, err)
	return keys
}

func kib(n int64) *int64 { return &n }

func TestUploadPlainTextScenario(t *testing.T) {
	f := newFixture(t, kib(1024))
	res, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Body:        strings.NewReader("ten bytes!"),
	})
	require.NoError(t, err)
	assert.Len(t, res.ID, 8)
	assert.Equal(t, res.ID+".txt", res.FileName)
	assert.Equal(t, "http://cdn.test/"+res.ID+".txt", res.URL)

	code, ok := res.Record.(model.Code)
	require.True(t, ok, "text upload must be a code record")
	assert.Equal(t, "txt", code.MimeType)
	assert.False(t, code.Admin)
	assert.Equal(t, int64(1700000000), code.TimeAdded)

	data, err := os.ReadFile(code.Path)
	require.NoError(t, err)
	assert.Equal(t, "ten bytes!", string(data))

	raw, err := f.store.Get(context.Background(), f.cfg.Prefix()+res.ID)
	require.NoError(t, err)
	stored, err := model.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, res.Record, stored)
}

func TestUploadBinaryUsesSniffedExtension(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename:    "picture.jpeg",
		ContentType: "image/jpeg",
		Body:        bytes.NewReader(pngHeader),
	})
	require.NoError(t, err)
	assert.Equal(t, res.ID+".png", res.FileName)
	file, ok := res.Record.(model.File)
	require.True(t, ok)
	assert.Equal(t, "image/png", file.MimeType)
}

func TestUploadSizeLimit(t *testing.T) {
	const limit = 4 * 1024 // bytes, crosses the sniff buffer
	f := newFixture(t, kib(4))

	res, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "exact.txt",
		Body:     strings.NewReader(strings.Repeat("a", limit)),
	})
	require.NoError(t, err)
	info, err := os.Stat(res.Record.(model.Code).Path)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), info.Size())

	_, err = f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "over.txt",
		Body:     strings.NewReader(strings.Repeat("a", limit+1)),
	})
	require.ErrorIs(t, err, cdnerr.ErrPayloadTooLarge)
	var tooLarge *cdnerr.TooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, int64(limit), tooLarge.Limit)
	assert.Regexp(t, `^[a-z]{8}\.txt$`, cdnerr.NameOf(err, "over.txt"), "diagnostics name the generated file")

	assert.Len(t, f.diskFiles(t, false), 1, "rejected upload must not reach the disk")
	assert.Len(t, f.keys(t), 1, "rejected upload must release its reservation")
}

func TestUploadSmallLimitInsideSniffBuffer(t *testing.T) {
	f := newFixture(t, kib(1))
	_, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "a.txt",
		Body:     strings.NewReader(strings.Repeat("b", 1025)),
	})
	assert.ErrorIs(t, err, cdnerr.ErrPayloadTooLarge)
	assert.Empty(t, f.diskFiles(t, false))
}

func TestAdminLimitIsIndependent(t *testing.T) {
	f := newFixture(t, kib(1))
	body := strings.Repeat("c", 8*1024)

	res, err := f.pipeline.Upload(context.Background(), UploadRequest{Filename: "big.txt", Body: strings.NewReader(body), IsAdmin: true})
	require.NoError(t, err, "no admin limit configured means unlimited")
	assert.True(t, res.Record.IsAdmin())
	assert.Len(t, f.diskFiles(t, true), 1)
	assert.Empty(t, f.diskFiles(t, false))

	f.cfg.Storage.AdminFilesizeLimit = kib(2)
	_, err = f.pipeline.Upload(context.Background(), UploadRequest{Filename: "big.txt", Body: strings.NewReader(body), IsAdmin: true})
	assert.ErrorIs(t, err, cdnerr.ErrPayloadTooLarge)
}

func TestUploadSpoofedExtensionSniffedBlocked(t *testing.T) {
	f := newFixture(t, nil)
	exe := append([]byte("MZ\x90\x00\x03\x00\x00\x00"), make([]byte, 256)...)
	_, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename:    "cat.png",
		ContentType: "image/png",
		Body:        bytes.NewReader(exe),
	})
	require.ErrorIs(t, err, cdnerr.ErrBlockedType)
	var blocked *cdnerr.BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "application/vnd.microsoft.portable-executable", blocked.Value)
	assert.Empty(t, f.diskFiles(t, false))
	assert.Empty(t, f.keys(t))
}

func TestUploadShellScriptNamedAsTextBlocked(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{
		"#!/bin/sh\nrm -rf ~\n",
		"#!/usr/bin/env bash\necho hi\n",
		"@echo off\r\ndel /q C:\\*\r\n",
	} {
		_, err := f.pipeline.Upload(context.Background(), UploadRequest{
			Filename:    "notes.txt",
			ContentType: "text/plain",
			Body:        strings.NewReader(body),
		})
		assert.ErrorIs(t, err, cdnerr.ErrBlockedType, "body %q", body)
	}
	assert.Empty(t, f.diskFiles(t, false))
	assert.Empty(t, f.keys(t))

	res, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "tool.py",
		Body:     strings.NewReader("#!/usr/bin/env python3\nprint('hi')\n"),
	})
	require.NoError(t, err)
	assert.IsType(t, model.Code{}, res.Record)
}

var zipHeader = append([]byte("PK\x03\x04"), make([]byte, 64)...)

func TestUploadBlockedByContentTypeAlias(t *testing.T) {
	f := newFixture(t, nil)
	f.cfg.Blocklist.ContentTypes = []string{"application/x-zip-compressed"}
	_, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "archive.bin",
		Body:     bytes.NewReader(zipHeader),
	})
	require.ErrorIs(t, err, cdnerr.ErrBlockedType)
	var blocked *cdnerr.BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "application/zip", blocked.Value)
	assert.Empty(t, f.diskFiles(t, false))
}

func TestUploadSniffedExtensionBlocked(t *testing.T) {
	f := newFixture(t, nil)
	f.cfg.Blocklist.Extensions = []string{"zip"}
	_, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename: "archive.bin",
		Body:     bytes.NewReader(zipHeader),
	})
	require.ErrorIs(t, err, cdnerr.ErrBlockedType)
	var blocked *cdnerr.BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "zip", blocked.Value)
	assert.Empty(t, f.keys(t))
}

func TestSniffBlockedFollowsAliasesAndParents(t *testing.T) {
	f := newFixture(t, nil)
	msi := mimetype.Lookup("application/x-ms-installer")
	require.NotNil(t, msi)
	assert.True(t, f.pipeline.sniffBlocked(msi.String(), msi), "application/x-msi is an alias")

	docx := mimetype.Lookup("application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	require.NotNil(t, docx)
	f.cfg.Blocklist.ContentTypes = []string{"application/zip"}
	assert.True(t, f.pipeline.sniffBlocked(docx.String(), docx))

	f.cfg.Blocklist.ContentTypes = []string{"application/octet-stream"}
	text := mimetype.Lookup("text/plain")
	assert.False(t, f.pipeline.sniffBlocked("text/plain", text), "the root type does not block its descendants")
}

func TestSniffScripts(t *testing.T) {
	cases := []struct {
		head string
		mime string
		ext  string
	}{
		{"#!/bin/bash\nset -e\n", "text/x-shellscript", "sh"},
		{"#! /bin/sh -e\n", "text/x-shellscript", "sh"},
		{"#!/usr/bin/env -S zsh -f\n", "text/x-shellscript", "sh"},
		{"\xef\xbb\xbf#!/bin/dash\n", "text/x-shellscript", "sh"},
		{"@ECHO OFF\r\nexit\r\n", "text/x-msdos-batch", "bat"},
		{"echo not a shebang\n", "text/plain", "txt"},
	}
	for _, tc := range cases {
		mime, ext := Sniff([]byte(tc.head))
		assert.Equal(t, tc.mime, mime, "head %q", tc.head)
		assert.Equal(t, tc.ext, ext, "head %q", tc.head)
	}
}

// failingReader fails the test if the body is read at all.
type failingReader struct{ t *testing.T }

func (r failingReader) Read([]byte) (int, error) {
	r.t.Error("body must not be read when the declared type is blocked")
	return 0, errors.New("unexpected read")
}

func TestUploadDeclaredTypeBlockedBeforeBody(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pipeline.Upload(context.Background(), UploadRequest{
		Filename:    "setup.exe",
		ContentType: "application/octet-stream",
		Body:        failingReader{t},
	})
	assert.ErrorIs(t, err, cdnerr.ErrBlockedType)

	_, err = f.pipeline.Upload(context.Background(), UploadRequest{
		Filename:    "installer.bin",
		ContentType: "application/x-msdownload; name=x",
		Body:        failingReader{t},
	})
	assert.ErrorIs(t, err, cdnerr.ErrBlockedType)
	assert.Empty(t, f.keys(t))
}

func TestUploadEmptyBodyIsEmptyPaste(t *testing.T) {
	f := newFixture(t, kib(1))
	res, err := f.pipeline.Upload(context.Background(), UploadRequest{Filename: "empty", Body: strings.NewReader("")})
	require.NoError(t, err)
	code, ok := res.Record.(model.Code)
	require.True(t, ok)
	assert.Equal(t, "bin", code.MimeType)
}

type brokenSetStore struct{ *storage.MemoryStore }

func (brokenSetStore) Set(context.Context, string, []byte) error {
	return cdnerr.ErrStoreUnavailable
}

func TestUploadStoreFailureRemovesFile(t *testing.T) {
	f := newFixture(t, nil)
	store := brokenSetStore{storage.NewMemoryStore()}
	p := New(f.cfg, store, ident.New(store, f.cfg.Prefix()), zerolog.Nop())

	_, err := p.Upload(context.Background(), UploadRequest{Filename: "a.txt", Body: strings.NewReader("hello")})
	assert.ErrorIs(t, err, cdnerr.ErrStoreUnavailable)
	assert.Empty(t, f.diskFiles(t, false))
	keys, err := store.Keys(context.Background(), "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestShorten(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.pipeline.Shorten(context.Background(), "  https://example.com/a?b=c  ", false)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.test/"+res.ID, res.URL)
	assert.Equal(t, model.Short{Target: "https://example.com/a?b=c"}, res.Record)

	for _, bad := range []string{"not-a-url", "", "/relative/path", "://missing"} {
		_, err := f.pipeline.Shorten(context.Background(), bad, false)
		assert.ErrorIs(t, err, cdnerr.ErrInvalidURL, "input %q", bad)
	}
	assert.Len(t, f.keys(t), 1)
}

func TestDeclaredExtension(t *testing.T) {
	cases := map[string]string{
		"notes.txt":        "txt",
		"archive.tar.GZ":   "gz",
		"README":           "bin",
		"trailing.":        "bin",
		"":                 "bin",
		"../../etc/passwd": "bin",
		"evil.p/hp":        "bin",
	}
	for in, want := range cases {
		assert.Equal(t, want, DeclaredExtension(in), "filename %q", in)
	}
}

func TestCanonicalExtension(t *testing.T) {
	assert.Equal(t, "png", CanonicalExtension("png", "jpg"))
	assert.Equal(t, "rs", CanonicalExtension("txt", "rs"))
	assert.Equal(t, "dat", CanonicalExtension("", "dat"))
	assert.Equal(t, "dat", CanonicalExtension("bin", "dat"))
}
