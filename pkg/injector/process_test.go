package injector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smith-xyz/go-adli/pkg/injector/resolver"
	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readOut(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", rel, err)
	}
	return string(data)
}

const demoMain = `package main

import (
	"fmt"

	"example.com/demo/internal/calc"
)

var _ = "{\"type\": \"adli_metadata\", \"value\": {\"service\": \"demo\"}}"

func main() {
	total := calc.Sum(1, 2)
	fmt.Println(total)
}
`

const demoCalc = `package calc

func Sum(a, b int) int {
	out := a + b
	return out
}
`

func TestRun_WritesInstrumentedModule(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	writeTree(t, root, map[string]string{
		"go.mod":                 "module example.com/demo\n\ngo 1.22\n",
		"go.sum":                 "",
		"main.go":                demoMain,
		"internal/calc/calc.go":  demoCalc,
		"internal/calc/data.txt": "fixture",
	})

	cfg := DefaultConfig()
	cfg.OutputDir = outDir
	cfg.RuntimeReplace = "/opt/adli"

	program, err := New(cfg).Run(context.Background(), filepath.Join(root, "main.go"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(program.Files) != 2 {
		t.Fatalf("Expected 2 instrumented files, got %d", len(program.Files))
	}
	if program.Metadata.ProgramMetadata["service"] != "demo" {
		t.Errorf("Expected program metadata from directive, got %v", program.Metadata.ProgramMetadata)
	}

	mainOut := readOut(t, outDir, "main.go")
	if !strings.Contains(mainOut, "__adli.Header(") {
		t.Errorf("Expected header call in entry main, got:\n%s", mainOut)
	}
	if !strings.Contains(mainOut, "defer __adli.Close()") {
		t.Error("Expected deferred Close in entry main")
	}
	if strings.Contains(mainOut, "adli_metadata") {
		t.Error("Expected metadata directive to be removed")
	}

	calcOut := readOut(t, outDir, "internal/calc/calc.go")
	if !strings.Contains(calcOut, "__adli.Stmt(") {
		t.Errorf("Expected checkpoints in imported package, got:\n%s", calcOut)
	}
	if got := readOut(t, outDir, "internal/calc/data.txt"); got != "fixture" {
		t.Errorf("Expected asset to be copied, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(outDir, GoSumFileName)); err != nil {
		t.Errorf("Expected go.sum to be copied: %v", err)
	}

	goMod := readOut(t, outDir, GoModFileName)
	if !strings.Contains(goMod, "module example.com/demo") {
		t.Error("Expected original module path to be kept")
	}
	if !strings.Contains(goMod, resolver.RuntimeModulePath+" "+Version) {
		t.Errorf("Expected runtime require, got:\n%s", goMod)
	}
	if !strings.Contains(goMod, "=> /opt/adli") {
		t.Errorf("Expected runtime replace, got:\n%s", goMod)
	}

	var header types.ProgramMetadata
	if err := json.Unmarshal([]byte(readOut(t, outDir, HeaderFileName)), &header); err != nil {
		t.Fatalf("Header is not valid JSON: %v", err)
	}
	if len(header.FileTree) != 2 || header.FileTree[0].Path != "main.go" || !header.FileTree[0].Entry {
		t.Errorf("Unexpected file tree: %+v", header.FileTree)
	}
	for _, f := range header.FileTree {
		if len(f.Hash) != 16 {
			t.Errorf("Expected 16 hex digit hash for %s, got %q", f.Path, f.Hash)
		}
	}
	if len(header.Checkpoints) == 0 || len(header.Checkpoints) != len(program.Metadata.Checkpoints) {
		t.Errorf("Expected header to carry all checkpoints, got %d", len(header.Checkpoints))
	}
	for i, cp := range header.Checkpoints {
		if cp.ID != i+1 {
			t.Errorf("Expected dense checkpoint ids, got %d at %d", cp.ID, i)
		}
	}

	if _, err := os.Stat(filepath.Join(outDir, HeaderYAMLFileName)); !os.IsNotExist(err) {
		t.Error("Expected no yaml header unless requested")
	}
}

func TestRun_StandaloneProgram(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "adli_out")
	writeTree(t, root, map[string]string{
		"main.go": "package main\n\nfunc main() {\n\tx := 1\n\t_ = x\n}\n",
	})

	cfg := DefaultConfig()
	cfg.OutputDir = outDir
	cfg.YAMLHeader = true

	if _, err := New(cfg).Run(context.Background(), filepath.Join(root, "main.go")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	goMod := readOut(t, outDir, GoModFileName)
	if !strings.Contains(goMod, "module "+standaloneModulePath) {
		t.Errorf("Expected synthesized module, got:\n%s", goMod)
	}
	if !strings.Contains(goMod, resolver.RuntimeModulePath) {
		t.Error("Expected runtime require in synthesized go.mod")
	}
	if !strings.Contains(goMod, "go "+standaloneGoVersion+"\n") {
		t.Errorf("Expected go directive %s, got:\n%s", standaloneGoVersion, goMod)
	}
	if !strings.Contains(readOut(t, outDir, HeaderYAMLFileName), "checkpoints:") {
		t.Error("Expected yaml header")
	}
	if _, err := os.Stat(filepath.Join(outDir, "adli_out")); !os.IsNotExist(err) {
		t.Error("Expected output dir not to be copied into itself")
	}
}

func TestRun_SysInfo(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":      "package main\n\nfunc main() {}\n",
		"sysinfo.yaml": "os: linux\ncores: 8\n",
		"broken.yaml":  "os: [linux\n",
	})

	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.SysInfo = filepath.Join(root, "sysinfo.yaml")

	program, err := New(cfg).Instrument(context.Background(), filepath.Join(root, "main.go"))
	if err != nil {
		t.Fatalf("Instrument failed: %v", err)
	}
	info, ok := program.Metadata.ProgramMetadata[SysInfoKey].(map[string]any)
	if !ok || info["os"] != "linux" {
		t.Errorf("Expected sysinfo in program metadata, got %v", program.Metadata.ProgramMetadata)
	}

	cfg.SysInfo = filepath.Join(root, "broken.yaml")
	if _, err := New(cfg).Instrument(context.Background(), filepath.Join(root, "main.go")); err == nil {
		t.Error("Expected malformed sysinfo to fail")
	}
}

func TestInstrument_Errors(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":    "package main\n\nimport \"example.com/bad/lib\"\n\nfunc main() { lib.Do() }\n",
		"go.mod":     "module example.com/bad\n",
		"lib/lib.go": "package lib\n\nfunc Do() {\n\t_ = \"{\\\"type\\\": \\\"adli_bogus\\\"}\"\n}\n",
	})
	in := New(DefaultConfig())

	_, err := in.Instrument(context.Background(), filepath.Join(root, "missing.go"))
	if !errors.Is(err, resolver.ErrNoEntry) {
		t.Errorf("Expected ErrNoEntry, got %v", err)
	}

	_, err = in.Instrument(context.Background(), filepath.Join(root, "main.go"))
	if err == nil || !strings.Contains(err.Error(), "lib/lib.go") {
		t.Errorf("Expected directive error naming the failing file, got %v", err)
	}
}
