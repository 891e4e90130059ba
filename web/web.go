// Package web provides the embedded web UI for browsing definitions and
// their compiled documents.
package web

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lemonberrylabs/aggexpr/pkg/store"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = []string{"dashboard.html", "definition_detail.html", "not_found.html"}

// DefinitionCompiler compiles stored definitions. *api.Server implements it.
type DefinitionCompiler interface {
	CompileDefinition(name string) (*store.Definition, types.Value, error)
}

// Handler serves the web UI pages.
type Handler struct {
	store     *store.Store
	compiler  DefinitionCompiler
	templates map[string]*template.Template
}

// pageData wraps all page-specific data with common fields.
type pageData struct {
	NavActive string
	Count     int
	Data      interface{}
}

// New creates a new web UI handler. It fails if the embedded templates do
// not parse.
func New(s *store.Store, c DefinitionCompiler) (*Handler, error) {
	funcMap := template.FuncMap{
		"timeAgo":    timeAgo,
		"formatTime": formatTime,
		"truncate":   truncate,
		"countLines": countLines,
		"kindClass":  kindClass,
	}

	// Each page is parsed with its own copy of the layout so that their
	// define blocks don't collide.
	h := &Handler{store: s, compiler: c, templates: make(map[string]*template.Template)}
	for _, page := range pages {
		tmpl, err := template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", page, err)
		}
		h.templates[page] = tmpl
	}
	return h, nil
}

func (h *Handler) render(c *fiber.Ctx, status int, page, navActive string, data interface{}) error {
	pd := pageData{
		NavActive: navActive,
		Count:     h.store.Len(),
		Data:      data,
	}

	var buf bytes.Buffer
	if err := h.templates[page].ExecuteTemplate(&buf, page, pd); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString(fmt.Sprintf("template error: %v", err))
	}

	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.Status(status).Send(buf.Bytes())
}

// Register adds web UI routes to the Fiber app.
func (h *Handler) Register(app *fiber.App) {
	app.Get("/ui", h.dashboard)
	app.Get("/ui/definitions/:definition", h.definitionDetail)

	// Redirect root to UI
	app.Get("/", func(c *fiber.Ctx) error {
		return c.Redirect("/ui")
	})
}

// --- Page Data Types ---

type dashboardContent struct {
	Definitions []*store.Definition
}

type definitionDetailContent struct {
	Definition *store.Definition
	Document   string
	Error      string
	ErrorKind  string
}

type notFoundContent struct {
	Message string
}

// --- Page Handlers ---

func (h *Handler) dashboard(c *fiber.Ctx) error {
	defs := h.store.List()
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].UpdateTime.After(defs[j].UpdateTime)
	})
	return h.render(c, fiber.StatusOK, "dashboard.html", "dashboard", dashboardContent{Definitions: defs})
}

func (h *Handler) definitionDetail(c *fiber.Ctx) error {
	name := c.Params("definition")

	d, doc, err := h.compiler.CompileDefinition(name)
	if errors.Is(err, store.ErrNotFound) {
		return h.render(c, fiber.StatusNotFound, "not_found.html", "", notFoundContent{
			Message: fmt.Sprintf("Definition '%s' not found", name),
		})
	}

	content := definitionDetailContent{Definition: d}
	if err != nil {
		content.Error = err.Error()
		if kind, ok := types.KindOf(err); ok {
			content.ErrorKind = string(kind)
		} else {
			content.ErrorKind = "ParseError"
		}
	} else {
		data, err := doc.MarshalIndent("  ")
		if err != nil {
			content.Error = err.Error()
		} else {
			content.Document = string(data)
		}
	}
	return h.render(c, fiber.StatusOK, "definition_detail.html", "definitions", content)
}

// --- Template Helpers ---

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.Format("2006-01-02 15:04:05")
}

func kindClass(kind string) string {
	switch types.ErrorKind(kind) {
	case types.KindUnresolvedName:
		return "kind-unresolved"
	case types.KindDepthExceeded:
		return "kind-depth"
	case types.KindInvalidArgument:
		return "kind-invalid"
	default:
		return "kind-parse"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
