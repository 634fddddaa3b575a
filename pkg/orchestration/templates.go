// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestration

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/skeinworks/skein/embedded"
	"github.com/skeinworks/skein/pkg/types"
)

// Template is a reusable workflow plan loaded from YAML.
type Template struct {
	// Name identifies the template. Execute options reference it.
	Name string `yaml:"name" json:"name"`

	// Description says what the template is for.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps run in order.
	Steps []TemplateStep `yaml:"steps" json:"steps"`

	// Review, when present, requests a final peer review of the
	// workflow output.
	Review *ReviewSpec `yaml:"review,omitempty" json:"review,omitempty"`
}

// TemplateStep is one step of a template. Agent pins the executor;
// Role selects by role; with neither the controller round-robins.
type TemplateStep struct {
	Name           string                 `yaml:"name" json:"name"`
	Role           string                 `yaml:"role,omitempty" json:"role,omitempty"`
	Agent          string                 `yaml:"agent,omitempty" json:"agent,omitempty"`
	RequestType    string                 `yaml:"request_type" json:"request_type"`
	Payload        map[string]interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
	TimeoutSeconds int                    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Timeout returns the step timeout, or zero when unset.
func (s TemplateStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ReviewSpec asks for a final peer review of the workflow output.
type ReviewSpec struct {
	Criteria  []string `yaml:"criteria" json:"criteria"`
	Reviewers int      `yaml:"reviewers,omitempty" json:"reviewers,omitempty"`
}

// templateSchema validates template documents before they enter the
// library. Steps need a name and a request type; everything else is
// optional.
const templateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "request_type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "role": {"type": "string"},
          "agent": {"type": "string"},
          "request_type": {"type": "string", "minLength": 1},
          "payload": {"type": "object"},
          "timeout_seconds": {"type": "integer", "minimum": 0}
        },
        "additionalProperties": false
      }
    },
    "review": {
      "type": "object",
      "required": ["criteria"],
      "properties": {
        "criteria": {"type": "array", "minItems": 1, "items": {"type": "string"}},
        "reviewers": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

// validateTemplateDoc checks a decoded YAML document against the
// template schema.
func validateTemplateDoc(doc map[string]interface{}) error {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(templateSchema))
	})
	if schemaErr != nil {
		return types.WrapError(types.ErrInternal, schemaErr, "compiling template schema")
	}

	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return types.WrapError(types.ErrValidation, err, "validating template")
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			details[i] = e.String()
		}
		return types.NewValidation("invalid template: %s", strings.Join(details, "; "))
	}
	return nil
}

// LibraryConfig tunes the template library. The zero value disables
// both the directory scan and hot reload.
type LibraryConfig struct {
	// Directory is scanned for *.yaml / *.yml template files.
	Directory string

	// HotReload watches Directory and reloads changed templates.
	HotReload bool

	// Debounce delays a reload after the last write (default 500ms).
	Debounce time.Duration
}

func (c *LibraryConfig) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
}

// Library holds named workflow templates, loaded from a directory or
// registered programmatically. All methods are safe for concurrent
// use.
type Library struct {
	cfg    LibraryConfig
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]*Template
	byPath    map[string]string

	watcher *fsnotify.Watcher
	timers  map[string]*time.Timer
	timerMu sync.Mutex

	stop    chan struct{}
	stopped sync.Once
}

// NewLibrary creates a template library. Call Load to scan the
// directory and Watch to enable hot reload.
func NewLibrary(config *LibraryConfig, logger *zap.Logger) *Library {
	cfg := LibraryConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		cfg:       cfg,
		logger:    logger,
		templates: make(map[string]*Template),
		byPath:    make(map[string]string),
		timers:    make(map[string]*time.Timer),
		stop:      make(chan struct{}),
	}
}

// Load scans the configured directory and loads every template file.
// Files that fail to parse or validate are skipped with a warning.
// Returns how many templates loaded.
func (l *Library) Load() (int, error) {
	if l.cfg.Directory == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(l.cfg.Directory)
	if err != nil {
		return 0, types.WrapError(types.ErrNotFound, err, "reading template directory %s", l.cfg.Directory)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.cfg.Directory, entry.Name())
		if err := l.loadFile(path); err != nil {
			l.logger.Warn("Template file skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		loaded++
	}

	l.logger.Info("Templates loaded",
		zap.String("directory", l.cfg.Directory),
		zap.Int("count", loaded))
	return loaded, nil
}

// LoadDefaults registers the built-in templates compiled into the
// binary. The runtime falls back to these when no template directory
// exists on disk. Returns how many templates loaded.
func (l *Library) LoadDefaults() int {
	docs := embedded.Templates()
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		if err := l.loadBytes("embedded:"+name, docs[name]); err != nil {
			l.logger.Warn("Built-in template skipped", zap.String("name", name), zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded
}

// Put validates and registers a template, replacing any previous one
// with the same name.
func (l *Library) Put(tpl Template) error {
	doc := map[string]interface{}{}
	raw, err := yaml.Marshal(tpl)
	if err != nil {
		return types.WrapError(types.ErrValidation, err, "encoding template %q", tpl.Name)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return types.WrapError(types.ErrValidation, err, "decoding template %q", tpl.Name)
	}
	if err := validateTemplateDoc(doc); err != nil {
		return err
	}

	l.mu.Lock()
	l.templates[tpl.Name] = &tpl
	l.mu.Unlock()
	return nil
}

// Get returns a copy of the named template.
func (l *Library) Get(name string) (Template, error) {
	l.mu.RLock()
	tpl, ok := l.templates[name]
	l.mu.RUnlock()
	if !ok {
		return Template{}, types.NewNotFound("template %q not found", name)
	}
	return *tpl, nil
}

// List returns every template, sorted by name.
func (l *Library) List() []Template {
	l.mu.RLock()
	out := make([]Template, 0, len(l.templates))
	for _, tpl := range l.templates {
		out = append(out, *tpl)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch starts the hot-reload watcher over the configured directory.
// No-op unless HotReload is enabled.
func (l *Library) Watch() error {
	if !l.cfg.HotReload || l.cfg.Directory == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return types.WrapError(types.ErrInternal, err, "creating template watcher")
	}
	if err := watcher.Add(l.cfg.Directory); err != nil {
		_ = watcher.Close()
		return types.WrapError(types.ErrInternal, err, "watching %s", l.cfg.Directory)
	}
	l.watcher = watcher

	go l.watchLoop()
	l.logger.Info("Template hot reload started",
		zap.String("directory", l.cfg.Directory),
		zap.Duration("debounce", l.cfg.Debounce))
	return nil
}

// Close stops the watcher. Idempotent.
func (l *Library) Close() error {
	l.stopped.Do(func() {
		close(l.stop)
		if l.watcher != nil {
			_ = l.watcher.Close()
		}
	})
	return nil
}

func (l *Library) watchLoop() {
	for {
		select {
		case <-l.stop:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Template watcher error", zap.Error(err))
		}
	}
}

func (l *Library) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if !isTemplateFile(base) || strings.HasPrefix(base, ".") || strings.Contains(base, "~") {
		return
	}

	// Editors fire bursts of writes; reload once the file settles.
	l.timerMu.Lock()
	if timer, ok := l.timers[event.Name]; ok {
		timer.Stop()
	}
	l.timers[event.Name] = time.AfterFunc(l.cfg.Debounce, func() {
		l.timerMu.Lock()
		delete(l.timers, event.Name)
		l.timerMu.Unlock()
		l.reload(event)
	})
	l.timerMu.Unlock()
}

func (l *Library) reload(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		l.mu.Lock()
		name, ok := l.byPath[event.Name]
		if ok {
			delete(l.templates, name)
			delete(l.byPath, event.Name)
		}
		l.mu.Unlock()
		if ok {
			l.logger.Info("Template removed", zap.String("name", name), zap.String("path", event.Name))
		}
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := l.loadFile(event.Name); err != nil {
			l.logger.Warn("Template reload failed", zap.String("path", event.Name), zap.Error(err))
			return
		}
		l.logger.Info("Template reloaded", zap.String("path", event.Name))
	}
}

// loadFile parses, validates, and registers one template file.
func (l *Library) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "reading %s", path)
	}
	return l.loadBytes(path, data)
}

// loadBytes parses, validates, and registers one template document.
// The source is a file path or an embedded: pseudo-path.
func (l *Library) loadBytes(source string, data []byte) error {
	doc := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.WrapError(types.ErrValidation, err, "parsing %s", source)
	}
	if err := validateTemplateDoc(doc); err != nil {
		return err
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return types.WrapError(types.ErrValidation, err, "decoding %s", source)
	}

	l.mu.Lock()
	// A rename that kept the template name drops the old path mapping.
	if prev, ok := l.byPath[source]; ok && prev != tpl.Name {
		delete(l.templates, prev)
	}
	l.templates[tpl.Name] = &tpl
	l.byPath[source] = tpl.Name
	l.mu.Unlock()
	return nil
}

func isTemplateFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
