package resolver

import (
	"context"
	"errors"
	"fmt"
	"go/build"
	"go/parser"
	"go/token"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/viant/afs"
	"golang.org/x/mod/modfile"
)

var ErrNoEntry = errors.New("entry file not found")

const goModFile = "go.mod"

// File is one source file of the program, in instrumentation order.
type File struct {
	AbsPath    string
	RelPath    string
	ImportPath string
	Package    string
	Entry      bool
}

// Module is the resolved program: its go.mod and every local source file
// reachable from the entry file.
type Module struct {
	Root  string
	Path  string
	GoMod *modfile.File
	Files []File
}

type Resolver struct {
	fs       afs.Service
	excluded []string
	build    build.Context
}

func New(excluded ...string) *Resolver {
	return &Resolver{
		fs:       afs.New(),
		excluded: excluded,
		build:    build.Default,
	}
}

// Resolve discovers the module containing entry and walks local imports
// breadth first. The entry file comes first, followed by the rest of its
// package and then each imported package in discovery order.
func (r *Resolver) Resolve(ctx context.Context, entry string) (*Module, error) {
	abs, err := filepath.Abs(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", entry, err)
	}
	if ok, _ := r.fs.Exists(ctx, abs); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, entry)
	}

	mod, err := r.findModule(ctx, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	registry := NewRegistry(mod.Path, r.excluded...)

	entryDir := filepath.Dir(abs)
	queue := []string{entryDir}
	visited := map[string]bool{entryDir: true}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		files, imports, err := r.scanPackage(ctx, mod, dir, abs)
		if err != nil {
			return nil, err
		}
		mod.Files = append(mod.Files, files...)

		for _, imp := range imports {
			if registry.Classify(imp) != ImportLocal {
				continue
			}
			rel, ok := registry.RelDir(imp)
			if !ok {
				continue
			}
			next := filepath.Join(mod.Root, filepath.FromSlash(rel))
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}

	slog.Debug("resolved program", "module", mod.Path, "root", mod.Root, "files", len(mod.Files))
	return mod, nil
}

// findModule walks up from dir to the nearest go.mod. Without one, dir
// itself is treated as a single-package program.
func (r *Resolver) findModule(ctx context.Context, dir string) (*Module, error) {
	for current := dir; ; {
		candidate := filepath.Join(current, goModFile)
		if ok, _ := r.fs.Exists(ctx, candidate); ok {
			content, err := r.fs.DownloadWithURL(ctx, candidate)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", candidate, err)
			}
			gomod, err := modfile.Parse(candidate, content, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", candidate, err)
			}
			if gomod.Module == nil {
				return nil, fmt.Errorf("%s has no module directive", candidate)
			}
			return &Module{Root: current, Path: gomod.Module.Mod.Path, GoMod: gomod}, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	slog.Warn("no go.mod found, instrumenting entry package only", "dir", dir)
	return &Module{Root: dir}, nil
}

// scanPackage returns the buildable non-test files of dir and the union of
// their imports.
func (r *Resolver) scanPackage(ctx context.Context, mod *Module, dir, entry string) ([]File, []string, error) {
	objects, err := r.fs.List(ctx, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var names []string
	for _, obj := range objects {
		name := obj.Name()
		if obj.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		if ok, err := r.build.MatchFile(dir, name); err != nil || !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	rel, err := filepath.Rel(mod.Root, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to relativize %s: %w", dir, err)
	}
	importPath := mod.Path
	if rel != "." {
		importPath = path.Join(mod.Path, filepath.ToSlash(rel))
	}

	var (
		files   []File
		imports []string
		seen    = map[string]bool{}
		fset    = token.NewFileSet()
	)
	for _, name := range names {
		abs := filepath.Join(dir, name)
		content, err := r.fs.DownloadWithURL(ctx, abs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", abs, err)
		}
		file, err := parser.ParseFile(fset, abs, content, parser.ImportsOnly)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s: %w", abs, err)
		}
		relPath, _ := filepath.Rel(mod.Root, abs)
		f := File{
			AbsPath:    abs,
			RelPath:    filepath.ToSlash(relPath),
			ImportPath: importPath,
			Package:    file.Name.Name,
			Entry:      abs == entry,
		}
		if f.Entry {
			files = append([]File{f}, files...)
		} else {
			files = append(files, f)
		}
		for _, imp := range file.Imports {
			p, err := strconv.Unquote(imp.Path.Value)
			if err != nil || seen[p] {
				continue
			}
			seen[p] = true
			imports = append(imports, p)
		}
	}
	return files, imports, nil
}
