// Package api implements the REST API for compiling expressions and managing
// stored definitions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/metrics"
	"github.com/lemonberrylabs/aggexpr/pkg/parser"
	"github.com/lemonberrylabs/aggexpr/pkg/store"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
	"github.com/lemonberrylabs/aggexpr/pkg/watch"
)

// Options configures a Server. Zero values get defaults.
type Options struct {
	Compiler *expr.Compiler
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	app      *fiber.App
	store    *store.Store
	compiler *expr.Compiler
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu      sync.Mutex
	parsed  map[string]cachedDefinition // by definition name
	fromDir map[string]bool             // definitions loaded by LoadDir
}

type cachedDefinition struct {
	revision string
	def      *parser.Definition
}

// New creates a new API server.
func New(s *store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compiler == nil {
		copts := []expr.Option{expr.WithLogger(opts.Logger)}
		if opts.Metrics != nil {
			copts = append(copts, expr.WithObserver(opts.Metrics))
		}
		opts.Compiler = expr.NewCompiler(copts...)
	}

	srv := &Server{
		store:    s,
		compiler: opts.Compiler,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		parsed:   make(map[string]cachedDefinition),
		fromDir:  make(map[string]bool),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		BodyLimit:             2 * parser.MaxSourceSize,
	})

	app.Post("/v1/compile", srv.compile)

	app.Post("/v1/definitions", srv.createDefinition)
	app.Get("/v1/definitions", srv.listDefinitions)
	app.Get("/v1/definitions/:definition", srv.getDefinition)
	app.Patch("/v1/definitions/:definition", srv.updateDefinition)
	app.Delete("/v1/definitions/:definition", srv.deleteDefinition)
	app.Post("/v1/definitions/:definition\\:compile", srv.compileDefinition)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "definitions": s.Len()})
	})
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}

	srv.app = app
	srv.updateGauge()
	return srv
}

// Listen starts the HTTP server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// Compiler returns the compiler used for all requests.
func (s *Server) Compiler() *expr.Compiler {
	return s.compiler
}

// --- Compile ---

type compileRequest struct {
	Source string `json:"source"`
}

func (s *Server) compile(c *fiber.Ctx) error {
	var req compileRequest
	if err := c.BodyParser(&req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Source == "" {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", "source is required")
	}

	def, err := parser.Parse([]byte(req.Source))
	if err != nil {
		return compileError(c, err)
	}
	doc, err := def.Compile(s.compiler)
	if err != nil {
		return compileError(c, err)
	}
	return c.JSON(fiber.Map{"document": doc})
}

// --- Definition Handlers ---

type definitionRequest struct {
	Source      string            `json:"source"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels"`
}

func (s *Server) createDefinition(c *fiber.Ctx) error {
	name := c.Query("definitionId")
	if name == "" {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", "definitionId query parameter is required")
	}
	if err := store.ValidateName(name); err != nil {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	}

	var req definitionRequest
	if err := c.BodyParser(&req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Source == "" {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", "source is required")
	}

	def, err := parser.Parse([]byte(req.Source))
	if err != nil {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid definition: %v", err))
	}

	d, err := s.store.Create(name, req.Source, req.Description, req.Labels)
	if err != nil {
		return storeError(c, err)
	}
	s.cache(d, def)
	s.updateGauge()
	s.logger.Info("created definition", "name", name, "revision", d.RevisionID)

	return c.Status(fiber.StatusOK).JSON(definitionToJSON(d))
}

func (s *Server) getDefinition(c *fiber.Ctx) error {
	d, err := s.store.Get(c.Params("definition"))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(definitionToJSON(d))
}

func (s *Server) listDefinitions(c *fiber.Ctx) error {
	defs := s.store.List()
	items := make([]fiber.Map, len(defs))
	for i, d := range defs {
		items[i] = definitionToJSON(d)
	}
	return c.JSON(fiber.Map{"definitions": items})
}

func (s *Server) updateDefinition(c *fiber.Ctx) error {
	name := c.Params("definition")

	var req definitionRequest
	if err := c.BodyParser(&req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid request body: %v", err))
	}

	var def *parser.Definition
	if req.Source != "" {
		parsed, err := parser.Parse([]byte(req.Source))
		if err != nil {
			return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid definition: %v", err))
		}
		def = parsed
	}

	d, err := s.store.Update(name, req.Source, req.Description)
	if err != nil {
		return storeError(c, err)
	}
	if def != nil {
		s.cache(d, def)
	}
	s.logger.Info("updated definition", "name", name, "revision", d.RevisionID)

	return c.JSON(definitionToJSON(d))
}

func (s *Server) deleteDefinition(c *fiber.Ctx) error {
	name := c.Params("definition")
	if err := s.store.Delete(name); err != nil {
		return storeError(c, err)
	}

	s.mu.Lock()
	delete(s.parsed, name)
	delete(s.fromDir, name)
	s.mu.Unlock()
	s.updateGauge()
	s.logger.Info("deleted definition", "name", name)

	return c.JSON(fiber.Map{"name": name, "deleted": true})
}

func (s *Server) compileDefinition(c *fiber.Ctx) error {
	d, doc, err := s.CompileDefinition(c.Params("definition"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return storeError(c, err)
		}
		return compileError(c, err)
	}
	return c.JSON(fiber.Map{
		"name":       d.Name,
		"revisionId": d.RevisionID,
		"document":   doc,
	})
}

// CompileDefinition compiles the stored definition with the given name. The
// parsed form is cached per revision.
func (s *Server) CompileDefinition(name string) (*store.Definition, types.Value, error) {
	d, err := s.store.Get(name)
	if err != nil {
		return nil, types.Null, err
	}
	def, err := s.parsedDefinition(d)
	if err != nil {
		return d, types.Null, err
	}
	doc, err := def.Compile(s.compiler)
	if err != nil {
		return d, types.Null, err
	}
	return d, doc, nil
}

func (s *Server) parsedDefinition(d *store.Definition) (*parser.Definition, error) {
	s.mu.Lock()
	cached, ok := s.parsed[d.Name]
	s.mu.Unlock()
	if ok && cached.revision == d.RevisionID {
		return cached.def, nil
	}

	def, err := parser.Parse([]byte(d.Source))
	if err != nil {
		return nil, err
	}
	s.cache(d, def)
	return def, nil
}

func (s *Server) cache(d *store.Definition, def *parser.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed[d.Name] = cachedDefinition{revision: d.RevisionID, def: def}
}

func (s *Server) updateGauge() {
	if s.metrics != nil {
		s.metrics.SetDefinitions(s.store.Len())
	}
}

// --- Directory Loading ---

var definitionExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// LoadDir loads all .yaml, .yml and .json definition files from dir. The file
// name without extension becomes the definition name. Files that fail to
// parse are logged and skipped. Definitions previously loaded from the
// directory whose files are gone are deleted. It returns the number of
// definitions loaded.
func (s *Server) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading definitions directory: %w", err)
	}

	seen := make(map[string]bool)
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		ext := strings.ToLower(filepath.Ext(file))
		if !definitionExtensions[ext] || strings.HasPrefix(file, ".") {
			continue
		}

		name := strings.TrimSuffix(file, filepath.Ext(file))
		if err := store.ValidateName(name); err != nil {
			s.logger.Warn("skipping definition file", "file", file, "error", err)
			continue
		}
		if seen[name] {
			s.logger.Warn("skipping duplicate definition file", "file", file, "name", name)
			continue
		}
		seen[name] = true

		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			s.logger.Warn("could not read definition file", "file", file, "error", err)
			continue
		}
		def, err := parser.Parse(data)
		if err != nil {
			s.logger.Warn("could not parse definition file", "file", file, "error", err)
			continue
		}

		d, created, err := s.store.Put(name, string(data))
		if err != nil {
			s.logger.Warn("could not store definition", "file", file, "error", err)
			continue
		}
		s.cache(d, def)

		s.mu.Lock()
		s.fromDir[name] = true
		s.mu.Unlock()
		loaded++
		s.logger.Debug("loaded definition", "name", name, "file", file, "created", created)
	}

	s.mu.Lock()
	var removed []string
	for name := range s.fromDir {
		if !seen[name] {
			removed = append(removed, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(removed)
	for _, name := range removed {
		if err := s.store.Delete(name); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("could not delete definition", "name", name, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.fromDir, name)
		delete(s.parsed, name)
		s.mu.Unlock()
		s.logger.Info("removed definition", "name", name)
	}

	s.updateGauge()
	s.logger.Info("loaded definitions", "count", loaded, "removed", len(removed), "dir", dir)
	return loaded, nil
}

// WatchDir loads dir and then reloads it whenever its definition files
// change, until ctx is cancelled.
func (s *Server) WatchDir(ctx context.Context, dir string) error {
	if _, err := s.LoadDir(dir); err != nil {
		return err
	}
	w, err := watch.New(watch.DefaultConfig(dir), s.logger)
	if err != nil {
		return err
	}
	go func() {
		err := w.Watch(ctx, func() error {
			_, err := s.LoadDir(dir)
			return err
		})
		if err != nil {
			s.logger.Error("definitions watcher failed", "dir", dir, "error", err)
		}
	}()
	return nil
}

// --- Helpers ---

func apiError(c *fiber.Ctx, code int, status, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}

func storeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apiError(c, fiber.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		return apiError(c, fiber.StatusConflict, "ALREADY_EXISTS", err.Error())
	}
	return apiError(c, fiber.StatusInternalServerError, "INTERNAL", err.Error())
}

// compileError reports parse and compile failures as 400s, adding the
// compile error details when there are any.
func compileError(c *fiber.Ctx, err error) error {
	body := fiber.Map{
		"code":    fiber.StatusBadRequest,
		"message": err.Error(),
		"status":  "INVALID_ARGUMENT",
	}
	var ce *types.CompileError
	if errors.As(err, &ce) {
		details := fiber.Map{"kind": string(ce.Kind)}
		if ce.Name != "" {
			details["name"] = ce.Name
		}
		if ce.Node != "" {
			details["node"] = ce.Node
		}
		body["details"] = details
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": body})
}

func definitionToJSON(d *store.Definition) fiber.Map {
	m := fiber.Map{
		"name":       d.Name,
		"revisionId": d.RevisionID,
		"createTime": d.CreateTime.Format(time.RFC3339),
		"updateTime": d.UpdateTime.Format(time.RFC3339),
		"source":     d.Source,
	}
	if d.Description != "" {
		m["description"] = d.Description
	}
	if len(d.Labels) > 0 {
		m["labels"] = d.Labels
	}
	return m
}
