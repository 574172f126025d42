// Package design loads optional design-intent files that map source lines
// to abstraction ids.
//
// For an entry file main.go the loader looks for main_abs_map.json, which
// places abstraction ids on lines relative to named modules of each file,
// and main_meta.json, which lists the variables of each abstraction. Both
// are optional and a malformed file only produces a warning.
package design

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/viant/afs"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

const (
	AbsMapSuffix = "_abs_map.json"
	MetaSuffix   = "_meta.json"
)

type AbsMap struct {
	Files []FileMap `json:"files"`
}

type FileMap struct {
	Path    string            `json:"path"`
	Modules map[string]Module `json:"modules"`
}

type Module struct {
	StartLine    int           `json:"startLine"`
	Abstractions []Abstraction `json:"abstractions"`
}

type Abstraction struct {
	ID        string `json:"id"`
	LineDelta int    `json:"lineDelta"`
}

type Meta struct {
	Abstractions map[string]AbstractionMeta `json:"abstractions"`
}

type AbstractionMeta struct {
	Variables   []string `json:"variables,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Intent holds the per-file abstraction tables of a program.
type Intent struct {
	files map[string]*types.Abstractions
}

// For returns the abstractions of a module-relative file path, or nil.
func (in *Intent) For(file string) *types.Abstractions {
	if in == nil {
		return nil
	}
	key := normalize(file)
	if abs, ok := in.files[key]; ok {
		return abs
	}
	return in.files[path.Base(key)]
}

func (in *Intent) Empty() bool {
	return in == nil || len(in.files) == 0
}

// Load reads the design-intent files next to entry. It never fails: missing
// files yield an empty Intent and malformed ones are logged and skipped.
func Load(ctx context.Context, fs afs.Service, entry string) *Intent {
	stem := strings.TrimSuffix(entry, filepath.Ext(entry))
	in := &Intent{files: map[string]*types.Abstractions{}}

	var absMap AbsMap
	if !readJSON(ctx, fs, stem+AbsMapSuffix, "abstraction map", &absMap) {
		return in
	}
	var meta Meta
	readJSON(ctx, fs, stem+MetaSuffix, "abstraction metadata", &meta)

	variables := map[string][]string{}
	for id, m := range meta.Abstractions {
		if len(m.Variables) > 0 {
			variables[id] = m.Variables
		}
	}

	for _, f := range absMap.Files {
		abs := &types.Abstractions{ByLine: map[int]string{}, Variables: variables}
		for name, module := range f.Modules {
			for _, a := range module.Abstractions {
				line := module.StartLine + a.LineDelta
				if prev, dup := abs.ByLine[line]; dup && prev != a.ID {
					slog.Warn("conflicting abstraction ids on one line", "file", f.Path, "module", name, "line", line, "kept", prev, "dropped", a.ID)
					continue
				}
				abs.ByLine[line] = a.ID
			}
		}
		in.files[normalize(f.Path)] = abs
	}
	slog.Debug("loaded design intent", "entry", entry, "files", len(in.files))
	return in
}

func readJSON(ctx context.Context, fs afs.Service, location, kind string, v any) bool {
	if ok, _ := fs.Exists(ctx, location); !ok {
		slog.Debug("design file not found", "kind", kind, "path", location)
		return false
	}
	data, err := fs.DownloadWithURL(ctx, location)
	if err != nil {
		slog.Warn("failed to read design file", "kind", kind, "path", location, "error", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("design file is not valid JSON", "kind", kind, "path", location, "error", err)
		return false
	}
	return true
}

func normalize(p string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "./")
}
