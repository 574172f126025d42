package injector

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"maps"

	"github.com/viant/afs"

	adliast "github.com/smith-xyz/go-adli/pkg/injector/ast"
	"github.com/smith-xyz/go-adli/pkg/injector/design"
	"github.com/smith-xyz/go-adli/pkg/injector/resolver"
	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

type Injector struct {
	cfg      Config
	fs       afs.Service
	resolver *resolver.Resolver
	logger   *slog.Logger
}

func New(cfg Config) *Injector {
	return &Injector{
		cfg:      cfg,
		fs:       afs.New(),
		resolver: resolver.New(cfg.Excluded...),
		logger:   slog.Default(),
	}
}

func (in *Injector) WithLogger(logger *slog.Logger) *Injector {
	in.logger = logger
	return in
}

// InstrumentedFile is one transformed source file.
type InstrumentedFile struct {
	resolver.File
	Source []byte
}

// Program is the result of instrumenting every file reachable from an entry.
type Program struct {
	Module   *resolver.Module
	Metadata types.ProgramMetadata
	Files    []InstrumentedFile
}

// Run instruments the program rooted at entry and writes it to the
// configured output directory.
func (in *Injector) Run(ctx context.Context, entry string) (*Program, error) {
	program, err := in.Instrument(ctx, entry)
	if err != nil {
		return nil, err
	}
	if err := in.Write(ctx, program); err != nil {
		return nil, err
	}
	return program, nil
}

// Instrument resolves and transforms the program without writing anything.
// Either every file is instrumented or an error is returned.
func (in *Injector) Instrument(ctx context.Context, entry string) (*Program, error) {
	mod, err := in.resolver.Resolve(ctx, entry)
	if err != nil {
		return nil, err
	}
	if len(mod.Files) == 0 {
		return nil, fmt.Errorf("%w: %s is not a buildable Go file", resolver.ErrNoEntry, entry)
	}

	sources := make([][]byte, len(mod.Files))
	for i, f := range mod.Files {
		src, err := in.fs.DownloadWithURL(ctx, f.AbsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.RelPath, err)
		}
		sources[i] = src
	}

	meta, err := in.programMetadata(mod, sources)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode program metadata: %w", err)
	}

	intent := design.Load(ctx, in.fs, mod.Files[0].AbsPath)
	counter := &types.Counter{}
	program := &Program{
		Module:   mod,
		Metadata: types.ProgramMetadata{ProgramMetadata: meta},
	}

	for i, f := range mod.Files {
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, f.AbsPath, sources[i], parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f.RelPath, err)
		}

		result, err := adliast.Inject(fset, file, counter, adliast.Options{
			FileID:          f.RelPath,
			IsEntry:         f.Entry,
			BasePath:        mod.Root,
			ProgramMetadata: string(metaJSON),
			Abstractions:    intent.For(f.RelPath),
		})
		if err != nil {
			return nil, err
		}

		hash, err := Hash(sources[i])
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", f.RelPath, err)
		}
		program.Metadata.FileTree = append(program.Metadata.FileTree, types.FileEntry{
			Path:    f.RelPath,
			Package: f.Package,
			Import:  f.ImportPath,
			Hash:    hash,
			Entry:   f.Entry,
		})
		program.Metadata.Checkpoints = append(program.Metadata.Checkpoints, result.Checkpoints...)
		program.Metadata.Variables = append(program.Metadata.Variables, result.Variables...)
		program.Files = append(program.Files, InstrumentedFile{File: f, Source: result.Source})

		in.logger.Debug("instrumented file",
			"file", f.RelPath,
			"checkpoints", len(result.Checkpoints),
			"variables", len(result.Variables))
	}

	in.logger.Info("instrumented program",
		"module", mod.Path,
		"files", len(program.Files),
		"checkpoints", len(program.Metadata.Checkpoints),
		"variables", len(program.Metadata.Variables))
	return program, nil
}

// programMetadata pre-scans every file for the first adli_metadata directive,
// entry file first, and merges the optional sysinfo document into it.
func (in *Injector) programMetadata(mod *resolver.Module, sources [][]byte) (map[string]any, error) {
	var meta map[string]any
	for i, f := range mod.Files {
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, f.AbsPath, sources[i], parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f.RelPath, err)
		}
		found, err := adliast.ScanMetadata(fset, file)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", f.RelPath, err)
		}
		if found != nil {
			meta = maps.Clone(found)
			break
		}
	}

	if in.cfg.SysInfo != "" {
		info, err := LoadSysInfo(in.cfg.SysInfo)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta[SysInfoKey] = info
	}
	return meta, nil
}
