package injector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"

	"github.com/smith-xyz/go-adli/pkg/injector/resolver"
)

// Write materializes the instrumented program under the output directory:
// a copy of the module tree with every instrumented file replaced, a go.mod
// that requires the runtime, and the program header.
func (in *Injector) Write(ctx context.Context, program *Program) error {
	outDir, err := filepath.Abs(in.cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output dir %s: %w", in.cfg.OutputDir, err)
	}

	instrumented := make(map[string]bool, len(program.Files))
	for _, f := range program.Files {
		instrumented[f.RelPath] = true
	}
	if err := in.copyModule(ctx, program.Module.Root, outDir, instrumented); err != nil {
		return err
	}

	for _, f := range program.Files {
		if err := in.upload(ctx, outDir, f.RelPath, f.Source); err != nil {
			return err
		}
	}

	goMod, err := in.goMod(ctx, program.Module)
	if err != nil {
		return err
	}
	if err := in.upload(ctx, outDir, GoModFileName, goMod); err != nil {
		return err
	}

	header, err := json.MarshalIndent(program.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if err := in.upload(ctx, outDir, HeaderFileName, header); err != nil {
		return err
	}
	if in.cfg.YAMLHeader {
		doc, err := yaml.Marshal(program.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode yaml header: %w", err)
		}
		if err := in.upload(ctx, outDir, HeaderYAMLFileName, doc); err != nil {
			return err
		}
	}

	in.logger.Info("wrote instrumented program", "dir", outDir, "header", filepath.Join(outDir, HeaderFileName))
	return nil
}

func (in *Injector) upload(ctx context.Context, outDir, rel string, data []byte) error {
	target := filepath.Join(outDir, filepath.FromSlash(rel))
	if err := in.fs.Upload(ctx, target, outputFileMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// copyModule mirrors the module tree into outDir so that excluded packages,
// embedded assets and go.sum travel with the instrumented sources. VCS
// directories, the output directory itself, go.mod and instrumented files
// are skipped.
func (in *Injector) copyModule(ctx context.Context, root, outDir string, instrumented map[string]bool) error {
	skipDir := ""
	if rel, err := filepath.Rel(root, outDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		skipDir = filepath.ToSlash(rel)
	}

	copied := 0
	var visitor storage.OnVisit = func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (bool, error) {
		rel := path.Join(filepath.ToSlash(parent), info.Name())
		if info.IsDir() {
			if rel == skipDir || strings.HasPrefix(info.Name(), ".") {
				return false, nil
			}
			return true, nil
		}
		if rel == GoModFileName || instrumented[rel] {
			return true, nil
		}
		if reader == nil {
			data, err := in.fs.DownloadWithURL(ctx, url.Join(baseURL, rel))
			if err != nil {
				return false, fmt.Errorf("failed to read %s: %w", rel, err)
			}
			reader = bytes.NewReader(data)
		}
		target := filepath.Join(outDir, filepath.FromSlash(rel))
		if err := in.fs.Upload(ctx, target, info.Mode().Perm()|0o200, reader); err != nil {
			return false, fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		copied++
		return true, nil
	}
	if err := in.fs.Walk(ctx, root, visitor); err != nil {
		return fmt.Errorf("failed to copy module %s: %w", root, err)
	}
	in.logger.Debug("copied module tree", "root", root, "files", copied)
	return nil
}

// goMod returns the output go.mod: the program's own with the runtime
// required, or a synthesized one for a program without a module.
func (in *Injector) goMod(ctx context.Context, mod *resolver.Module) ([]byte, error) {
	var (
		f   *modfile.File
		err error
	)
	if mod.GoMod != nil {
		location := filepath.Join(mod.Root, GoModFileName)
		content, err := in.fs.DownloadWithURL(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", location, err)
		}
		if f, err = modfile.Parse(location, content, nil); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", location, err)
		}
	} else {
		content := fmt.Sprintf("module %s\n\ngo %s\n", standaloneModulePath, standaloneGoVersion)
		if f, err = modfile.Parse(GoModFileName, []byte(content), nil); err != nil {
			return nil, fmt.Errorf("failed to synthesize go.mod: %w", err)
		}
	}

	if mod.Path != resolver.RuntimeModulePath {
		if err = f.AddRequire(resolver.RuntimeModulePath, in.cfg.RuntimeVersion); err != nil {
			return nil, fmt.Errorf("failed to require runtime: %w", err)
		}
		if in.cfg.RuntimeReplace != "" {
			newVersion := ""
			if !isLocalPath(in.cfg.RuntimeReplace) {
				newVersion = in.cfg.RuntimeVersion
			}
			if err = f.AddReplace(resolver.RuntimeModulePath, "", in.cfg.RuntimeReplace, newVersion); err != nil {
				return nil, fmt.Errorf("failed to replace runtime: %w", err)
			}
		}
	}
	f.Cleanup()

	out, err := f.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to format go.mod: %w", err)
	}
	return out, nil
}
