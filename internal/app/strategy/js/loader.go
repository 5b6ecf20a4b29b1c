// Package js runs strategies written as JavaScript modules on goja VMs.
//
// A module assigns module.exports an object with a metadata export, a create(env)
// factory returning the strategy handler, and an optional validateConfig(config)
// returning [{field, message}]. The handler implements analyze(data) and
// generateSignals(), and optionally requiredMarketData(), candleWindow(),
// getState(), setState(state), setPosition(position), setActiveOrders(ids)
// and activeOrderIds().
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/strategos/internal/app/strategy"
)

// ErrModuleNotFound reports missing strategy modules.
var ErrModuleNotFound = errors.New("strategy module not found")

// Loader compiles JavaScript strategy modules from a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// Module is a compiled strategy program with its metadata.
type Module struct {
	Name     string
	Filename string
	Hash     string
	Metadata strategy.Metadata
	Program  *goja.Program
}

// ModuleSummary exposes immutable module details.
type ModuleSummary struct {
	Name     string            `json:"name"`
	File     string            `json:"file"`
	Hash     string            `json:"hash"`
	Metadata strategy.Metadata `json:"metadata"`
}

// NewLoader constructs a Loader rooted at dir. The directory must exist.
func NewLoader(dir string) (*Loader, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("script loader: directory required")
	}
	clean := filepath.Clean(trimmed)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("script loader: stat %q: %w", clean, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("script loader: %q is not a directory", clean)
	}
	return &Loader{root: clean, byName: make(map[string]*Module)}, nil
}

// Refresh recompiles every .js file under the root. On error the previous
// catalog stays in place.
func (l *Loader) Refresh(ctx context.Context) error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("script loader: read directory %q: %w", l.root, err)
	}
	next := make(map[string]*Module)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("script loader: refresh canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.root, entry.Name())
		// #nosec G304 -- path comes from ReadDir of the loader root.
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("script loader: read %q: %w", path, err)
		}
		module, err := Compile(entry.Name(), source)
		if err != nil {
			return fmt.Errorf("script loader: %w", err)
		}
		if _, exists := next[module.Name]; exists {
			return fmt.Errorf("script loader: duplicate strategy name %q", module.Name)
		}
		next[module.Name] = module
	}
	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// Add registers an already compiled module, replacing any module of the same name.
func (l *Loader) Add(module *Module) {
	if module == nil {
		return
	}
	l.mu.Lock()
	l.byName[module.Name] = module
	l.mu.Unlock()
}

// Get returns the compiled module for name.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return module, nil
}

// List returns the loaded module catalog sorted by name.
func (l *Loader) List() []ModuleSummary {
	l.mu.RLock()
	out := make([]ModuleSummary, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, ModuleSummary{
			Name:     module.Name,
			File:     module.Filename,
			Hash:     module.Hash,
			Metadata: strategy.CloneMetadata(module.Metadata),
		})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

// Compile compiles source and extracts its metadata export.
func Compile(filename string, source []byte) (*Module, error) {
	prog, err := goja.Compile(filename, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", filename, err)
	}
	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	sum := sha256.Sum256(source)
	return &Module{
		Name:     meta.Name,
		Filename: filename,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
	}, nil
}

func extractMetadata(program *goja.Program) (strategy.Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program, nil)
	if err != nil {
		return strategy.Metadata{}, err
	}
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return strategy.Metadata{}, fmt.Errorf("metadata export missing")
	}
	var meta strategy.Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return strategy.Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if issues := strategy.ValidateMetadata(meta); len(issues) > 0 {
		return strategy.Metadata{}, fmt.Errorf("metadata invalid: %s", issues[0])
	}
	return meta, nil
}

// runModule executes program with CommonJS-style module and exports globals.
func runModule(rt *goja.Runtime, program *goja.Program, console *goja.Object) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if console == nil {
		console = silentConsole(rt)
	}
	if err := rt.Set("console", console); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func silentConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(name, noop)
	}
	return console
}
