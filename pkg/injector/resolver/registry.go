package resolver

import (
	"strings"
)

type ImportKind int

const (
	ImportStdlib ImportKind = iota
	ImportLocal
	ImportDependency
	ImportExcluded
)

func (k ImportKind) String() string {
	switch k {
	case ImportStdlib:
		return "stdlib"
	case ImportLocal:
		return "local"
	case ImportDependency:
		return "dependency"
	case ImportExcluded:
		return "excluded"
	}
	return "unknown"
}

const (
	RuntimeModulePath  = "github.com/smith-xyz/go-adli"
	RuntimePackagePath = RuntimeModulePath + "/pkg/adli"
	VendorDirPattern   = "vendor/"
	TestdataDirName    = "testdata"
)

var DependencyDomainPatterns = []string{
	"github.com/", "gitlab.com/", "bitbucket.org/", "golang.org/x/",
	"google.golang.org/", "gopkg.in/", "go.uber.org/", "k8s.io/",
	"sigs.k8s.io/", "cloud.google.com/", "gocloud.dev/",
}

// Registry classifies import paths relative to the module being instrumented.
type Registry struct {
	ModulePath       string
	ExcludedPackages []string `json:"excluded_packages" yaml:"excluded_packages"`
}

func NewRegistry(modulePath string, excluded ...string) *Registry {
	return &Registry{ModulePath: modulePath, ExcludedPackages: excluded}
}

func (r *Registry) Classify(importPath string) ImportKind {
	if r.IsExcludedPackage(importPath) {
		return ImportExcluded
	}
	if r.IsLocal(importPath) {
		return ImportLocal
	}
	if r.IsStdLib(importPath) {
		return ImportStdlib
	}
	return ImportDependency
}

func (r *Registry) IsLocal(importPath string) bool {
	if r.ModulePath == "" {
		return false
	}
	return importPath == r.ModulePath || strings.HasPrefix(importPath, r.ModulePath+"/")
}

// IsStdLib follows the go command's rule: standard library paths have no
// dot in their first element.
func (r *Registry) IsStdLib(importPath string) bool {
	for _, pattern := range DependencyDomainPatterns {
		if strings.HasPrefix(importPath, pattern) {
			return false
		}
	}
	first, _, _ := strings.Cut(importPath, "/")
	return !strings.Contains(first, ".")
}

func (r *Registry) IsExcludedPackage(importPath string) bool {
	if importPath == RuntimePackagePath || strings.HasPrefix(importPath, RuntimePackagePath+"/") {
		return true
	}
	for _, excluded := range r.ExcludedPackages {
		if importPath == excluded || strings.HasPrefix(importPath, excluded+"/") {
			return true
		}
	}
	return false
}

// ShouldInstrument reports whether the package at importPath belongs to the
// program and is not excluded.
func (r *Registry) ShouldInstrument(importPath string) bool {
	return r.Classify(importPath) == ImportLocal
}

// RelDir returns the module-relative directory of a local import path.
func (r *Registry) RelDir(importPath string) (string, bool) {
	if !r.IsLocal(importPath) {
		return "", false
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(importPath, r.ModulePath), "/")
	if strings.HasPrefix(rel, VendorDirPattern) || strings.Contains(rel, "/"+TestdataDirName+"/") {
		return "", false
	}
	return rel, true
}
