// Package render holds the HTML pages served for pastes and the landing page.
package render

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dharsanguruparan/ihacdn/internal/config"
)

//go:embed templates/*.html
var templateFS embed.FS

// PasteData fills the paste viewer.
type PasteData struct {
	ID   string
	Lang string
	Code string
}

// RetentionData is shown on the index when retention is enabled.
type RetentionData struct {
	MinAge int64
	MaxAge int64
}

// IndexData fills the landing page.
type IndexData struct {
	BaseURL             string
	FilesizeLimit       string
	BlockedExtensions   []string
	BlockedContentTypes []string
	Retention           *RetentionData
}

// IndexFromConfig derives the landing page data from cfg.
func IndexFromConfig(cfg *config.Config) IndexData {
	data := IndexData{
		BaseURL:             strings.TrimSuffix(cfg.MakeURL(""), "/"),
		BlockedExtensions:   cfg.Blocklist.Extensions,
		BlockedContentTypes: cfg.Blocklist.ContentTypes,
	}
	if limit := cfg.Limit(false); limit != nil {
		data.FilesizeLimit = humanize.IBytes(uint64(*limit))
	}
	if cfg.Retention.Enable {
		data.Retention = &RetentionData{MinAge: cfg.Retention.MinAge, MaxAge: cfg.Retention.MaxAge}
	}
	return data
}

// Renderer executes the embedded templates.
type Renderer struct {
	paste *template.Template
	index *template.Template
}

// New parses the embedded templates.
func New() (*Renderer, error) {
	paste, err := template.ParseFS(templateFS, "templates/paste.html")
	if err != nil {
		return nil, fmt.Errorf("parse paste template: %w", err)
	}
	index, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	return &Renderer{paste: paste, index: index}, nil
}

// Paste renders the paste viewer.
func (r *Renderer) Paste(w io.Writer, data PasteData) error {
	return r.paste.Execute(w, data)
}

// Index renders the landing page.
func (r *Renderer) Index(w io.Writer, data IndexData) error {
	return r.index.Execute(w, data)
}
