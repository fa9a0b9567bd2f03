package api

import (
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"
)

// Renderer renders the html templates of the web directory.
type Renderer struct {
	templates *template.Template
}

var _ echo.Renderer = (*Renderer)(nil)

// NewRenderer parses every *.html file in dir.
func NewRenderer(dir string) (*Renderer, error) {
	t, err := template.ParseGlob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, fmt.Errorf("parse templates in %s: %w", dir, err)
	}
	return &Renderer{templates: t}, nil
}

// Render implements echo.Renderer.
func (r *Renderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return r.templates.ExecuteTemplate(w, name, data)
}

// HomePage is the data of index.html.
type HomePage struct {
	Title         string
	AnalyzeURL    string
	SegmentURL    string
	ThreatPrompts []string
	User          string
}

// HandleHome renders the upload form.
// (GET /)
func HandleHome(threatPrompts []string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Render(http.StatusOK, "index.html", HomePage{
			Title:         "InTelTrace Threat Scan",
			AnalyzeURL:    "/analyze",
			SegmentURL:    "/segment",
			ThreatPrompts: threatPrompts,
			User:          ownerOf(c),
		})
	}
}
